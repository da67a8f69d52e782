package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
)

var (
	// ErrLimitExceeded is the base error for any underwriting limit breach.
	ErrLimitExceeded = errors.New("risk: underwriting limit exceeded")

	// ErrAssetLimitExceeded is returned when a policy would push the
	// coverage written on one asset beyond the per-asset maximum.
	ErrAssetLimitExceeded = fmt.Errorf("%w: per-asset coverage", ErrLimitExceeded)

	// ErrTypeLimitExceeded is returned when a policy would push the coverage
	// written for one coverage type beyond its maximum.
	ErrTypeLimitExceeded = fmt.Errorf("%w: per-type coverage", ErrLimitExceeded)
)

// ConcentrationLimiter caps how much coverage is written on correlated risk.
//
// Policies on the same asset pay out together (a depeg of one stablecoin
// hits every depeg policy on it), so coverage is capped per asset across
// coverage types. Coverage types are capped separately since one market
// event tends to trigger many policies of the same type.
type ConcentrationLimiter struct {
	// MaxPerAsset is the maximum total coverage on any one asset. Zero
	// means unlimited.
	MaxPerAsset decimal.Decimal

	// MaxPerType is the maximum total coverage per coverage type. Types
	// without an entry are unlimited.
	MaxPerType map[model.CoverageType]decimal.Decimal
}

// NewConcentrationLimiter creates a limiter with the given caps.
func NewConcentrationLimiter(maxPerAsset decimal.Decimal, maxPerType map[model.CoverageType]decimal.Decimal) *ConcentrationLimiter {
	if maxPerType == nil {
		maxPerType = make(map[model.CoverageType]decimal.Decimal)
	}
	return &ConcentrationLimiter{
		MaxPerAsset: maxPerAsset,
		MaxPerType:  maxPerType,
	}
}

// CheckLimit validates whether issuing candidate keeps the book within
// limits, given the policies already in force.
func (l *ConcentrationLimiter) CheckLimit(candidate *model.Policy, active []model.Policy) error {
	assetTotal := candidate.CoverageAmount
	typeTotal := candidate.CoverageAmount
	for _, p := range active {
		if p.ID == candidate.ID {
			continue
		}
		if p.Asset == candidate.Asset {
			assetTotal = assetTotal.Add(p.CoverageAmount)
		}
		if p.CoverageType == candidate.CoverageType {
			typeTotal = typeTotal.Add(p.CoverageAmount)
		}
	}

	// 1. Per-asset limit.
	if l.MaxPerAsset.IsPositive() && assetTotal.GreaterThan(l.MaxPerAsset) {
		return fmt.Errorf("%w: %s would reach %s (max %s)", ErrAssetLimitExceeded, candidate.Asset, assetTotal, l.MaxPerAsset)
	}

	// 2. Per-type limit.
	if max, ok := l.MaxPerType[candidate.CoverageType]; ok && max.IsPositive() && typeTotal.GreaterThan(max) {
		return fmt.Errorf("%w: %s would reach %s (max %s)", ErrTypeLimitExceeded, candidate.CoverageType, typeTotal, max)
	}

	return nil
}

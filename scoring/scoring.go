// Package scoring rates parcels by how likely their owners are to sell.
package scoring

import (
	"fmt"
	"time"

	"seller_radar/identity"
	"seller_radar/models"
)

const (
	SignalAbsentee      = "absentee_owner"
	SignalOutOfState    = "out_of_state_owner"
	SignalNoHomestead   = "no_homestead"
	SignalLongHold20    = "long_hold_20y"
	SignalLongHold10    = "long_hold_10y"
	SignalHighValue1M   = "high_value_1m"
	SignalHighValue500K = "high_value_500k"
	SignalHighEquity    = "high_equity"
)

const (
	WeightAbsentee      = 30
	WeightOutOfState    = 10
	WeightNoHomestead   = 20
	WeightLongHold20    = 25
	WeightLongHold10    = 15
	WeightHighValue1M   = 15
	WeightHighValue500K = 10
	WeightHighEquity    = 15

	MaxScore = 100
)

// Score evaluates every signal on p as of asOf. The result depends only on
// its arguments.
func Score(p models.ParcelRecord, asOf time.Time) (int, models.Signals) {
	var signals models.Signals
	add := func(key, label string, weight int, detail string) {
		signals = append(signals, models.Signal{Key: key, Label: label, Weight: weight, Detail: detail})
	}

	if IsAbsentee(p.Situs, p.Mailing) {
		add(SignalAbsentee, "Absentee owner", WeightAbsentee, p.Mailing.Line)

		mailState := identity.NormalizeState(p.Mailing.State)
		if mailState != "" && p.Situs.State != "" && mailState != identity.NormalizeState(p.Situs.State) {
			add(SignalOutOfState, "Out-of-state owner", WeightOutOfState, mailState)
		}
	}

	if p.Homestead != nil && !*p.Homestead {
		add(SignalNoHomestead, "No homestead exemption", WeightNoHomestead, "")
	}

	if p.LastSaleDate != nil {
		years := yearsBetween(*p.LastSaleDate, asOf)
		switch {
		case years >= 20:
			add(SignalLongHold20, "Owned 20+ years", WeightLongHold20, fmt.Sprintf("%d years", years))
		case years >= 10:
			add(SignalLongHold10, "Owned 10+ years", WeightLongHold10, fmt.Sprintf("%d years", years))
		}
	}

	switch {
	case p.AssessedValue >= 1_000_000:
		add(SignalHighValue1M, "Assessed at $1M+", WeightHighValue1M, fmt.Sprintf("%.0f", p.AssessedValue))
	case p.AssessedValue >= 500_000:
		add(SignalHighValue500K, "Assessed at $500K+", WeightHighValue500K, fmt.Sprintf("%.0f", p.AssessedValue))
	}

	if p.LastSalePrice > 0 && p.AssessedValue >= 2*p.LastSalePrice {
		add(SignalHighEquity, "High equity", WeightHighEquity,
			fmt.Sprintf("%.1fx last sale", p.AssessedValue/p.LastSalePrice))
	}

	signals.Sort()

	total := 0
	for _, s := range signals {
		total += s.Weight
	}
	return clamp(total), signals
}

// IsAbsentee reports whether the owner's mailing address is somewhere other
// than the parcel: a mailing street that normalizes differently, or a
// different 5-digit postal code.
func IsAbsentee(situs, mailing models.Address) bool {
	mailLine := identity.NormalizeAddress(mailing.Line)
	if mailLine != "" && mailLine != identity.NormalizeAddress(situs.Line) {
		return true
	}
	mz, sz := identity.NormalizeZip(mailing.Zip), identity.NormalizeZip(situs.Zip)
	return mz != "" && sz != "" && mz != sz
}

// yearsBetween counts whole years elapsed from since to asOf.
func yearsBetween(since, asOf time.Time) int {
	years := asOf.Year() - since.Year()
	if asOf.Month() < since.Month() || (asOf.Month() == since.Month() && asOf.Day() < since.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

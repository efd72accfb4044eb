package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seller_radar/identity"
	"seller_radar/models"
)

// RepairRule scopes the repair pass to one county whose rows must all carry
// ExpectedState.
type RepairRule struct {
	County        string
	ExpectedState string
}

// RepairService corrects public-records opportunities damaged by earlier
// ingestion defects: a wrong state, or city and postal code glued onto the
// street line.
type RepairService struct {
	store  OpportunityStore
	logger *zap.Logger
	now    func() time.Time
}

// NewRepairService creates a new RepairService
func NewRepairService(store OpportunityStore, logger *zap.Logger) *RepairService {
	return &RepairService{store: store, logger: logger, now: time.Now}
}

// Run applies every rule. Per-row store failures are logged and counted as
// skipped; only a failed candidate listing aborts the pass.
func (s *RepairService) Run(ctx context.Context, rules []RepairRule) (models.RepairResult, error) {
	var total models.RepairResult
	for _, rule := range rules {
		res, err := s.repairCounty(ctx, rule)
		total.Add(res)
		if err != nil {
			return total, fmt.Errorf("repair %s: %w", rule.County, err)
		}
	}
	if total.Corrected+total.Merged+total.Migrated+total.Skipped > 0 {
		s.logger.Info("repair pass finished",
			zap.Int("scanned", total.Scanned),
			zap.Int("corrected", total.Corrected),
			zap.Int("merged", total.Merged),
			zap.Int("migrated", total.Migrated),
			zap.Int("skipped", total.Skipped))
	}
	return total, nil
}

func (s *RepairService) repairCounty(ctx context.Context, rule RepairRule) (models.RepairResult, error) {
	var res models.RepairResult
	expected := identity.NormalizeState(rule.ExpectedState)

	rows, err := s.store.ListRepairCandidates(ctx, models.SourcePublicRecords, rule.County, expected)
	if err != nil {
		return res, err
	}

	deleted := make(map[uuid.UUID]bool)
	for _, row := range rows {
		if deleted[row.ID] {
			continue
		}
		res.Scanned++

		fixed, ok := correct(row, expected)
		if !ok {
			continue
		}
		fixed.UpdatedAt = s.now()

		logger := s.logger.With(
			zap.String("organization", row.OrganizationID),
			zap.String("old_key", row.DedupeKey),
			zap.String("new_key", fixed.DedupeKey))

		other, err := s.store.GetOpportunity(ctx, row.OrganizationID, fixed.DedupeKey)
		if err != nil {
			logger.Warn("repair lookup failed", zap.Error(err))
			res.Skipped++
			continue
		}

		switch {
		case other == nil || other.ID == row.ID:
			if err := s.store.UpdateOpportunityIdentity(ctx, fixed); err != nil {
				logger.Warn("repair correction failed", zap.Error(err))
				res.Skipped++
				continue
			}
			res.Corrected++

		case !row.IsConverted():
			survivor := mergeOpportunities(other, fixed, s.now())
			if err := s.store.MergeOpportunities(ctx, survivor, row.ID); err != nil {
				logger.Warn("repair merge failed", zap.Error(err))
				res.Skipped++
				continue
			}
			deleted[row.ID] = true
			res.Merged++

		case !other.IsConverted():
			survivor := mergeOpportunities(fixed, other, s.now())
			if err := s.store.MergeOpportunities(ctx, survivor, other.ID); err != nil {
				logger.Warn("repair migration failed", zap.Error(err))
				res.Skipped++
				continue
			}
			deleted[other.ID] = true
			res.Migrated++

		default:
			logger.Warn("repair skipped: both rows are converted",
				zap.String("row", row.ID.String()),
				zap.String("other", other.ID.String()))
			res.Skipped++
		}
	}
	return res, nil
}

// correct returns a copy of row with the expected state, the locality tail
// removed from the street line and the key recomputed. ok is false when the
// row already looks right.
func correct(row *models.SellerOpportunity, expected string) (*models.SellerOpportunity, bool) {
	fixed := *row
	changed := false

	if expected != "" && identity.NormalizeState(row.Situs.State) != expected {
		fixed.Situs.State = expected
		changed = true
	}
	if line, stripped := identity.StripLocality(row.Situs.Line, row.Situs.City, fixed.Situs.State, row.Situs.Zip); stripped {
		fixed.Situs.Line = line
		changed = true
	}
	if !changed {
		return nil, false
	}

	key := identity.DedupeKey(fixed.Situs.Line, fixed.Situs.State, fixed.Situs.Zip)
	if key == "" {
		return nil, false
	}
	fixed.DedupeKey = key
	return &fixed, true
}

// mergeOpportunities folds other into base. base keeps its identity, status
// and conversion link; scalar fields come from whichever source outranks,
// with ties going to base.
func mergeOpportunities(base, other *models.SellerOpportunity, now time.Time) *models.SellerOpportunity {
	out := *base
	if models.Outranks(other.Source, base.Source) {
		out.Source = other.Source
		out.DatasetKey = other.DatasetKey
		out.ParcelID = other.ParcelID
		out.OwnerName = other.OwnerName
		out.County = other.County
		out.Situs = other.Situs
		out.Mailing = other.Mailing
		out.AssessedValue = other.AssessedValue
		out.LastSalePrice = other.LastSalePrice
		out.LastSaleDate = other.LastSaleDate
		out.Lat = other.Lat
		out.Lng = other.Lng
	}
	out.Score = max(base.Score, other.Score)
	out.Signals = models.MergeSignals(base.Signals, other.Signals)
	if other.LastSeenAt.After(out.LastSeenAt) {
		out.LastSeenAt = other.LastSeenAt
	}
	if out.ParcelID == "" {
		out.ParcelID = other.ParcelID
	}
	if strings.TrimSpace(out.OwnerName) == "" {
		out.OwnerName = other.OwnerName
	}
	out.UpdatedAt = now
	return &out
}

// RulesFromDatasets derives one rule per distinct county with a known state.
func RulesFromDatasets(datasets []DatasetScope) []RepairRule {
	seen := make(map[string]bool)
	var rules []RepairRule
	for _, d := range datasets {
		if d.County == "" || d.State == "" {
			continue
		}
		k := strings.ToLower(d.County) + "|" + strings.ToUpper(d.State)
		if seen[k] {
			continue
		}
		seen[k] = true
		rules = append(rules, RepairRule{County: d.County, ExpectedState: d.State})
	}
	return rules
}

// DatasetScope is the part of a dataset descriptor the repair pass reads.
type DatasetScope struct {
	County string
	State  string
}

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seller_radar/models"
)

const DefaultChunkSize = 250

// OpportunityStore is the persistence the merge engine and repair pass need.
// Lookups return nil (not an error) when nothing matches.
type OpportunityStore interface {
	GetOpportunitiesByKeys(ctx context.Context, orgID string, keys []string) (map[string]*models.SellerOpportunity, error)
	GetOpportunity(ctx context.Context, orgID, dedupeKey string) (*models.SellerOpportunity, error)
	// WriteOpportunities applies writes in order inside one transaction.
	// Inserts skip on (organization, key) conflict; updates skip rows whose
	// current source outranks the incoming one.
	WriteOpportunities(ctx context.Context, writes []models.OpportunityWrite) (models.WriteCounts, error)
	ListRepairCandidates(ctx context.Context, source, county, expectedState string) ([]*models.SellerOpportunity, error)
	UpdateOpportunityIdentity(ctx context.Context, row *models.SellerOpportunity) error
	// MergeOpportunities deletes duplicateID and then rewrites survivor, atomically.
	MergeOpportunities(ctx context.Context, survivor *models.SellerOpportunity, duplicateID uuid.UUID) error
}

// OpportunityService collapses scored candidates and merges them into the
// per-organization opportunity table.
type OpportunityService struct {
	store     OpportunityStore
	chunkSize int
	logger    *zap.Logger
	now       func() time.Time
}

// NewOpportunityService creates a new OpportunityService
func NewOpportunityService(store OpportunityStore, chunkSize int, logger *zap.Logger) *OpportunityService {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &OpportunityService{
		store:     store,
		chunkSize: chunkSize,
		logger:    logger,
		now:       time.Now,
	}
}

// Collapse keeps one candidate per dedupe key in first-seen key order. The
// highest score wins and a later observation wins a tie; signals from every
// observation of the key are unioned, keeping the heavier duplicate.
func Collapse(candidates []*models.Candidate) []*models.Candidate {
	index := make(map[string]int, len(candidates))
	out := make([]*models.Candidate, 0, len(candidates))
	seen := make(map[string]models.Signals, len(candidates))

	for _, c := range candidates {
		if c == nil || c.DedupeKey == "" {
			continue
		}
		i, ok := index[c.DedupeKey]
		if !ok {
			index[c.DedupeKey] = len(out)
			cp := *c
			out = append(out, &cp)
			seen[c.DedupeKey] = c.Signals
			continue
		}
		seen[c.DedupeKey] = models.MergeSignals(seen[c.DedupeKey], c.Signals)
		if c.Score >= out[i].Score {
			cp := *c
			out[i] = &cp
		}
	}

	for _, c := range out {
		c.Signals = models.MergeSignals(seen[c.DedupeKey], nil)
	}
	return out
}

// Merge writes candidates for orgID in chunks: one lookup and one
// transactional write batch per chunk, in discovery order.
func (s *OpportunityService) Merge(ctx context.Context, orgID string, candidates []*models.Candidate) (models.WriteCounts, error) {
	var total models.WriteCounts

	for start := 0; start < len(candidates); start += s.chunkSize {
		end := min(start+s.chunkSize, len(candidates))
		counts, err := s.mergeChunk(ctx, orgID, candidates[start:end])
		if err != nil {
			return total, fmt.Errorf("chunk %d-%d: %w", start, end, err)
		}
		total.Add(counts)
	}

	s.logger.Info("merged opportunities",
		zap.String("organization", orgID),
		zap.Int("candidates", len(candidates)),
		zap.Int("inserted", total.Inserted),
		zap.Int("updated", total.Updated),
		zap.Int("skipped_precedence", total.SkippedPrecedence),
		zap.Int("conflicts", total.Conflicts))

	return total, nil
}

func (s *OpportunityService) mergeChunk(ctx context.Context, orgID string, chunk []*models.Candidate) (models.WriteCounts, error) {
	var counts models.WriteCounts

	keys := make([]string, len(chunk))
	for i, c := range chunk {
		keys[i] = c.DedupeKey
	}
	existing, err := s.store.GetOpportunitiesByKeys(ctx, orgID, keys)
	if err != nil {
		return counts, fmt.Errorf("lookup: %w", err)
	}

	now := s.now()
	writes := make([]models.OpportunityWrite, 0, len(chunk))
	for _, c := range chunk {
		cur, ok := existing[c.DedupeKey]
		if !ok {
			writes = append(writes, models.OpportunityWrite{
				Action: models.WriteInsert,
				Row:    models.NewOpportunity(orgID, c, now),
			})
			continue
		}
		if models.Outranks(cur.Source, c.Source) {
			counts.SkippedPrecedence++
			s.logger.Debug("skipped lower-precedence write",
				zap.String("organization", orgID),
				zap.String("dedupe_key", c.DedupeKey),
				zap.String("existing_source", cur.Source),
				zap.String("incoming_source", c.Source))
			continue
		}
		row := *cur
		row.ApplyCandidate(c, now)
		writes = append(writes, models.OpportunityWrite{Action: models.WriteUpdate, Row: &row})
	}

	if len(writes) == 0 {
		return counts, nil
	}
	written, err := s.store.WriteOpportunities(ctx, writes)
	if err != nil {
		return counts, fmt.Errorf("write: %w", err)
	}
	counts.Add(written)
	return counts, nil
}

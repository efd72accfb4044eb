package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"seller_radar/models"
)

// memStore mirrors the SQL stores' write semantics in memory.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]*models.SellerOpportunity // org|key
	lookups int
	batches int
	// raceInsert, when set, is called before each insert to simulate a
	// concurrent writer.
	raceInsert func(row *models.SellerOpportunity)
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]*models.SellerOpportunity{}}
}

func rowKey(org, key string) string { return org + "|" + key }

func (m *memStore) put(row *models.SellerOpportunity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	cp := *row
	m.rows[rowKey(row.OrganizationID, row.DedupeKey)] = &cp
}

func (m *memStore) get(org, key string) *models.SellerOpportunity {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[rowKey(org, key)]
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memStore) GetOpportunitiesByKeys(ctx context.Context, orgID string, keys []string) (map[string]*models.SellerOpportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	out := map[string]*models.SellerOpportunity{}
	for _, k := range keys {
		if r, ok := m.rows[rowKey(orgID, k)]; ok {
			cp := *r
			out[k] = &cp
		}
	}
	return out, nil
}

func (m *memStore) GetOpportunity(ctx context.Context, orgID, dedupeKey string) (*models.SellerOpportunity, error) {
	return m.get(orgID, dedupeKey), nil
}

func (m *memStore) WriteOpportunities(ctx context.Context, writes []models.OpportunityWrite) (models.WriteCounts, error) {
	var counts models.WriteCounts
	for _, w := range writes {
		if w.Action == models.WriteInsert && m.raceInsert != nil {
			m.raceInsert(w.Row)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	for _, w := range writes {
		k := rowKey(w.Row.OrganizationID, w.Row.DedupeKey)
		cur, exists := m.rows[k]
		switch w.Action {
		case models.WriteInsert:
			if exists {
				counts.Conflicts++
				continue
			}
			cp := *w.Row
			m.rows[k] = &cp
			counts.Inserted++
		case models.WriteUpdate:
			if !exists || slices.Contains(models.SourcesOutranking(w.Row.Source), cur.Source) {
				counts.SkippedPrecedence++
				continue
			}
			cp := *w.Row
			cp.Status = cur.Status
			cp.ConvertedLeadID = cur.ConvertedLeadID
			m.rows[k] = &cp
			counts.Updated++
		default:
			return counts, errors.New("unknown action")
		}
	}
	return counts, nil
}

func (m *memStore) ListRepairCandidates(ctx context.Context, source, county, expectedState string) ([]*models.SellerOpportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SellerOpportunity
	for _, r := range m.rows {
		if r.Source != source || !strings.EqualFold(r.County, county) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *models.SellerOpportunity) int {
		return strings.Compare(a.DedupeKey, b.DedupeKey)
	})
	return out, nil
}

func (m *memStore) UpdateOpportunityIdentity(ctx context.Context, row *models.SellerOpportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.rows {
		if r.ID == row.ID {
			delete(m.rows, k)
			cp := *r
			cp.DedupeKey = row.DedupeKey
			cp.Situs = row.Situs
			cp.UpdatedAt = row.UpdatedAt
			m.rows[rowKey(cp.OrganizationID, cp.DedupeKey)] = &cp
			return nil
		}
	}
	return errors.New("not found")
}

func (m *memStore) MergeOpportunities(ctx context.Context, survivor *models.SellerOpportunity, duplicateID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.rows {
		if r.ID == duplicateID || r.ID == survivor.ID {
			delete(m.rows, k)
		}
	}
	cp := *survivor
	m.rows[rowKey(cp.OrganizationID, cp.DedupeKey)] = &cp
	return nil
}

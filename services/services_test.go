package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"seller_radar/identity"
	"seller_radar/models"
)

const org = "org-1"

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func sig(key string, weight int) models.Signal {
	return models.Signal{Key: key, Label: key, Weight: weight}
}

func candidate(key string, score int, signals ...models.Signal) *models.Candidate {
	return &models.Candidate{
		DedupeKey:  key,
		Source:     models.SourcePublicRecords,
		DatasetKey: "broward_nal",
		Score:      score,
		Signals:    signals,
		Parcel: models.ParcelRecord{
			ParcelID: "P-" + key,
			County:   "Broward",
			Situs:    models.Address{Line: "123 MAIN ST", City: "FORT LAUDERDALE", State: "FL", Zip: "33301"},
		},
		LastSeenAt: fixedNow,
	}
}

func newService(store OpportunityStore, chunk int) *OpportunityService {
	s := NewOpportunityService(store, chunk, zap.NewNop())
	s.now = func() time.Time { return fixedNow }
	return s
}

func TestCollapseKeepsHighestScoreAndUnionsSignals(t *testing.T) {
	in := []*models.Candidate{
		candidate("a", 70, sig("absentee_owner", 30), sig("long_hold_10y", 15), sig("high_value_500k", 10), sig("high_equity", 15)),
		candidate("b", 40, sig("no_homestead", 20)),
		candidate("a", 85, sig("absentee_owner", 30), sig("long_hold_20y", 25), sig("no_homestead", 20), sig("out_of_state_owner", 10)),
	}
	out := Collapse(in)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].DedupeKey, "first-seen order")
	assert.Equal(t, "b", out[1].DedupeKey)
	assert.Equal(t, 85, out[0].Score)

	var keys []string
	for _, s := range out[0].Signals {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{"absentee_owner", "long_hold_20y", "no_homestead", "high_equity", "long_hold_10y", "high_value_500k", "out_of_state_owner"}, keys)
	assert.Len(t, in[0].Signals, 4, "inputs are not mutated")
}

func TestCollapseTieGoesToLaterObservation(t *testing.T) {
	first := candidate("a", 50)
	second := candidate("a", 50)
	second.Parcel.OwnerName = "LATER"
	out := Collapse([]*models.Candidate{first, second})
	require.Len(t, out, 1)
	assert.Equal(t, "LATER", out[0].Parcel.OwnerName)
}

func TestMergeDedupeProperty(t *testing.T) {
	store := newMemStore()
	s := newService(store, 250)

	batch := Collapse([]*models.Candidate{
		candidate("fl|33301|123 main st", 70, sig("absentee_owner", 30), sig("high_equity", 15), sig("long_hold_10y", 15), sig("high_value_500k", 10)),
		candidate("fl|33301|123 main st", 85, sig("absentee_owner", 30), sig("long_hold_20y", 25), sig("no_homestead", 20), sig("out_of_state_owner", 10)),
	})
	counts, err := s.Merge(context.Background(), org, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Inserted)
	assert.Equal(t, 1, store.count())

	row := store.get(org, "fl|33301|123 main st")
	require.NotNil(t, row)
	assert.Equal(t, 85, row.Score)
	assert.Len(t, row.Signals, 7)
	assert.Equal(t, models.OpportunityNew, row.Status)
}

func TestMergeUpdateReplacesScoreAndKeepsStatus(t *testing.T) {
	store := newMemStore()
	lead := "lead-9"
	store.put(&models.SellerOpportunity{
		OrganizationID:  org,
		DedupeKey:       "k",
		Source:          models.SourcePublicRecords,
		Status:          models.OpportunityConverted,
		ConvertedLeadID: &lead,
		Score:           95,
		Signals:         models.Signals{sig("old", 95)},
	})

	s := newService(store, 250)
	counts, err := s.Merge(context.Background(), org, []*models.Candidate{candidate("k", 45, sig("no_homestead", 20))})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Updated)

	row := store.get(org, "k")
	assert.Equal(t, 45, row.Score, "score is replaced, not maxed")
	assert.Equal(t, models.Signals{sig("no_homestead", 20)}, row.Signals)
	assert.Equal(t, models.OpportunityConverted, row.Status)
	require.NotNil(t, row.ConvertedLeadID)
	assert.Equal(t, "lead-9", *row.ConvertedLeadID)
}

func TestMergePrecedenceMLSUntouched(t *testing.T) {
	store := newMemStore()
	mls := &models.SellerOpportunity{
		OrganizationID: org,
		DedupeKey:      "k",
		Source:         models.SourceMLS,
		Status:         models.OpportunityNew,
		Score:          20,
		Signals:        models.Signals{sig("listed", 20)},
		Situs:          models.Address{Line: "1 MLS WAY", State: "FL", Zip: "33301"},
	}
	store.put(mls)

	s := newService(store, 250)
	counts, err := s.Merge(context.Background(), org, []*models.Candidate{candidate("k", 99, sig("absentee_owner", 30))})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.SkippedPrecedence)
	assert.Zero(t, counts.Updated)
	assert.Zero(t, store.batches, "nothing to write")

	row := store.get(org, "k")
	assert.Equal(t, 20, row.Score)
	assert.Equal(t, models.Signals{sig("listed", 20)}, row.Signals)
	assert.Equal(t, "1 MLS WAY", row.Situs.Line)
	assert.Equal(t, models.SourceMLS, row.Source)
}

func TestMergeChunksAndConflicts(t *testing.T) {
	store := newMemStore()
	s := newService(store, 3)

	var batch []*models.Candidate
	for i := 0; i < 7; i++ {
		batch = append(batch, candidate(fmt.Sprintf("k%d", i), 50))
	}

	// another writer inserts k4 between our lookup and our write
	store.raceInsert = func(row *models.SellerOpportunity) {
		if row.DedupeKey == "k4" && store.get(org, "k4") == nil {
			store.put(&models.SellerOpportunity{OrganizationID: org, DedupeKey: "k4", Source: models.SourcePublicRecords})
		}
	}

	counts, err := s.Merge(context.Background(), org, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, store.lookups)
	assert.Equal(t, 3, store.batches)
	assert.Equal(t, 6, counts.Inserted)
	assert.Equal(t, 1, counts.Conflicts)
	assert.Equal(t, 7, store.count())
}

func TestMergeRacingHigherPrecedenceWriterWins(t *testing.T) {
	store := newMemStore()
	store.put(&models.SellerOpportunity{OrganizationID: org, DedupeKey: "k", Source: models.SourcePublicRecords, Score: 10})
	s := newService(store, 250)

	// looked up as PUBLIC_RECORDS, flipped to LISTING before the write lands
	wrapped := &racingStore{memStore: store, before: func() {
		row := store.get(org, "k")
		row.Source = models.SourceListing
		row.Score = 77
		store.put(row)
	}}
	s.store = wrapped

	counts, err := s.Merge(context.Background(), org, []*models.Candidate{candidate("k", 60)})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.SkippedPrecedence)
	assert.Equal(t, 77, store.get(org, "k").Score)
}

type racingStore struct {
	*memStore
	before func()
}

func (r *racingStore) WriteOpportunities(ctx context.Context, writes []models.OpportunityWrite) (models.WriteCounts, error) {
	r.before()
	return r.memStore.WriteOpportunities(ctx, writes)
}

func opp(line, state string, score int, signals ...models.Signal) *models.SellerOpportunity {
	return &models.SellerOpportunity{
		ID:             uuid.New(),
		OrganizationID: org,
		DedupeKey:      identity.DedupeKey(line, state, "33301"),
		Source:         models.SourcePublicRecords,
		Status:         models.OpportunityNew,
		County:         "Broward",
		Score:          score,
		Signals:        signals,
		Situs:          models.Address{Line: line, City: "FORT LAUDERDALE", State: state, Zip: "33301"},
		LastSeenAt:     fixedNow.Add(-time.Hour),
	}
}

func newRepair(store OpportunityStore) *RepairService {
	r := NewRepairService(store, zap.NewNop())
	r.now = func() time.Time { return fixedNow }
	return r
}

var browardRule = []RepairRule{{County: "Broward", ExpectedState: "FL"}}

func TestRepairMergesCorruptedStateDuplicate(t *testing.T) {
	store := newMemStore()
	good := opp("123 MAIN ST", "FL", 70, sig("absentee_owner", 30), sig("high_equity", 15))
	bad := opp("123 MAIN ST", "GA", 85, sig("absentee_owner", 30), sig("long_hold_20y", 25))
	store.put(good)
	store.put(bad)

	res, err := newRepair(store).Run(context.Background(), browardRule)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, 1, store.count(), "corrupted duplicate deleted")

	row := store.get(org, good.DedupeKey)
	require.NotNil(t, row)
	assert.Equal(t, good.ID, row.ID)
	assert.Equal(t, 85, row.Score)
	assert.Equal(t, models.Signals{sig("absentee_owner", 30), sig("long_hold_20y", 25), sig("high_equity", 15)}, row.Signals)
	assert.Nil(t, store.get(org, bad.DedupeKey))
}

func TestRepairCorrectsInPlaceWithoutCollision(t *testing.T) {
	store := newMemStore()
	bad := opp("77 OCEAN DR FORT LAUDERDALE FL 33301", "FL", 50)
	store.put(bad)

	res, err := newRepair(store).Run(context.Background(), browardRule)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Corrected)

	row := store.get(org, "fl|33301|77 ocean dr")
	require.NotNil(t, row)
	assert.Equal(t, bad.ID, row.ID)
	assert.Equal(t, "77 OCEAN DR", row.Situs.Line)
}

func TestRepairConvertedRowIsMigratedNotDeleted(t *testing.T) {
	store := newMemStore()
	lead := "lead-1"
	good := opp("9 BAY RD", "FL", 40, sig("no_homestead", 20))
	bad := opp("9 BAY RD", "XX", 30, sig("absentee_owner", 30))
	bad.ConvertedLeadID = &lead
	bad.Status = models.OpportunityConverted
	store.put(good)
	store.put(bad)

	res, err := newRepair(store).Run(context.Background(), browardRule)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)
	assert.Equal(t, 1, store.count())

	row := store.get(org, good.DedupeKey)
	require.NotNil(t, row)
	assert.Equal(t, bad.ID, row.ID, "converted row survives")
	assert.Equal(t, "FL", row.Situs.State)
	assert.Equal(t, models.OpportunityConverted, row.Status)
	assert.Equal(t, 40, row.Score)
	assert.Len(t, row.Signals, 2)
}

func TestRepairSkipsWhenBothConverted(t *testing.T) {
	store := newMemStore()
	l1, l2 := "lead-1", "lead-2"
	good := opp("9 BAY RD", "FL", 40)
	good.ConvertedLeadID = &l1
	bad := opp("9 BAY RD", "XX", 30)
	bad.ConvertedLeadID = &l2
	store.put(good)
	store.put(bad)

	res, err := newRepair(store).Run(context.Background(), browardRule)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, store.count())
}

func TestRepairLeavesHealthyRowsAlone(t *testing.T) {
	store := newMemStore()
	store.put(opp("5 PINE AVE", "FL", 40))
	mls := opp("6 PINE AVE", "GA", 40)
	mls.Source = models.SourceMLS
	store.put(mls)

	res, err := newRepair(store).Run(context.Background(), browardRule)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Zero(t, res.Corrected+res.Merged+res.Migrated+res.Skipped)
}

func TestRulesFromDatasets(t *testing.T) {
	rules := RulesFromDatasets([]DatasetScope{
		{County: "Broward", State: "FL"},
		{County: "broward", State: "fl"},
		{County: "", State: "FL"},
		{County: "Palm Beach", State: "FL"},
	})
	assert.Equal(t, []RepairRule{{County: "Broward", ExpectedState: "FL"}, {County: "Palm Beach", ExpectedState: "FL"}}, rules)
}

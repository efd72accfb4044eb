package models

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Sources. Rows from a higher-ranked source are never overwritten by a
// lower-ranked write: public-records observations never replace MLS or
// listing-derived rows.
const (
	SourceMLS           = "MLS"
	SourceListing       = "LISTING"
	SourcePublicRecords = "PUBLIC_RECORDS"
)

var sourceRank = map[string]int{
	SourceMLS:           100,
	SourceListing:       90,
	SourcePublicRecords: 10,
}

func SourceRank(source string) int {
	return sourceRank[source]
}

// Outranks reports whether a row written by existing must not be replaced by incoming.
func Outranks(existing, incoming string) bool {
	return SourceRank(existing) > SourceRank(incoming)
}

// SourcesOutranking lists every known source that outranks incoming, sorted.
func SourcesOutranking(incoming string) []string {
	var out []string
	for s, rank := range sourceRank {
		if rank > SourceRank(incoming) {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

type OpportunityStatus string

const (
	OpportunityNew       OpportunityStatus = "NEW"
	OpportunityDismissed OpportunityStatus = "DISMISSED"
	OpportunityConverted OpportunityStatus = "CONVERTED"
)

type Signal struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Weight int    `json:"weight"`
	Detail string `json:"detail,omitempty"`
}

type Signals []Signal

// MergeSignals unions a and b by key keeping the higher-weight instance,
// sorted by weight descending then key.
func MergeSignals(a, b Signals) Signals {
	byKey := make(map[string]Signal, len(a)+len(b))
	for _, list := range []Signals{a, b} {
		for _, s := range list {
			if cur, ok := byKey[s.Key]; !ok || s.Weight > cur.Weight {
				byKey[s.Key] = s
			}
		}
	}
	out := make(Signals, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, s)
	}
	out.Sort()
	return out
}

func (s Signals) Sort() {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Weight != s[j].Weight {
			return s[i].Weight > s[j].Weight
		}
		return s[i].Key < s[j].Key
	})
}

func (s Signals) ToJSON() json.RawMessage {
	if s == nil {
		s = Signals{}
	}
	data, _ := json.Marshal(s)
	return data
}

func ParseSignals(data []byte) (Signals, error) {
	var s Signals
	if len(data) == 0 {
		return s, nil
	}
	err := json.Unmarshal(data, &s)
	return s, err
}

// Candidate is an in-flight seller opportunity built from one parsed parcel.
type Candidate struct {
	DedupeKey  string       `json:"dedupe_key"`
	Source     string       `json:"source"`
	DatasetKey string       `json:"dataset_key"`
	Score      int          `json:"score"`
	Signals    Signals      `json:"signals"`
	Parcel     ParcelRecord `json:"parcel"`
	LastSeenAt time.Time    `json:"last_seen_at"`
}

// SellerOpportunity is the persisted row, unique per (OrganizationID, DedupeKey).
type SellerOpportunity struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	OrganizationID  string            `json:"organization_id" db:"organization_id"`
	DedupeKey       string            `json:"dedupe_key" db:"dedupe_key"`
	Source          string            `json:"source" db:"source"`
	DatasetKey      string            `json:"dataset_key" db:"dataset_key"`
	Status          OpportunityStatus `json:"status" db:"status"`
	Score           int               `json:"score" db:"score"`
	Signals         Signals           `json:"signals" db:"signals"`
	ParcelID        string            `json:"parcel_id" db:"parcel_id"`
	OwnerName       string            `json:"owner_name" db:"owner_name"`
	County          string            `json:"county" db:"county"`
	Situs           Address           `json:"situs"`
	Mailing         Address           `json:"mailing"`
	AssessedValue   *float64          `json:"assessed_value" db:"assessed_value"`
	LastSalePrice   *float64          `json:"last_sale_price" db:"last_sale_price"`
	LastSaleDate    *time.Time        `json:"last_sale_date" db:"last_sale_date"`
	Lat             *float64          `json:"lat" db:"lat"`
	Lng             *float64          `json:"lng" db:"lng"`
	ConvertedLeadID *string           `json:"converted_lead_id" db:"converted_lead_id"`
	LastSeenAt      time.Time         `json:"last_seen_at" db:"last_seen_at"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

func (o *SellerOpportunity) IsConverted() bool {
	return o.ConvertedLeadID != nil && *o.ConvertedLeadID != ""
}

// NewOpportunity builds a fresh NEW row for orgID from a candidate.
func NewOpportunity(orgID string, c *Candidate, now time.Time) *SellerOpportunity {
	o := &SellerOpportunity{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Status:         OpportunityNew,
		CreatedAt:      now,
	}
	o.ApplyCandidate(c, now)
	return o
}

// ApplyCandidate replaces every pipeline-owned field with the candidate's.
// Status and the converted-lead reference are left alone.
func (o *SellerOpportunity) ApplyCandidate(c *Candidate, now time.Time) {
	p := c.Parcel
	o.DedupeKey = c.DedupeKey
	o.Source = c.Source
	o.DatasetKey = c.DatasetKey
	o.Score = c.Score
	o.Signals = append(Signals(nil), c.Signals...)
	o.ParcelID = p.ParcelID
	o.OwnerName = p.OwnerName
	o.County = p.County
	o.Situs = p.Situs
	o.Mailing = p.Mailing
	o.AssessedValue = positive(p.AssessedValue)
	o.LastSalePrice = positive(p.LastSalePrice)
	o.LastSaleDate = p.LastSaleDate
	o.Lat = p.Lat
	o.Lng = p.Lng
	o.LastSeenAt = c.LastSeenAt
	o.UpdatedAt = now
}

func positive(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

// WriteCounts aggregates merge-engine outcomes.
type WriteCounts struct {
	Inserted          int `json:"inserted"`
	Updated           int `json:"updated"`
	SkippedPrecedence int `json:"skipped_precedence"`
	Conflicts         int `json:"conflicts"`
}

func (w *WriteCounts) Add(o WriteCounts) {
	w.Inserted += o.Inserted
	w.Updated += o.Updated
	w.SkippedPrecedence += o.SkippedPrecedence
	w.Conflicts += o.Conflicts
}

type WriteAction string

const (
	WriteInsert WriteAction = "insert"
	WriteUpdate WriteAction = "update"
)

// OpportunityWrite is one statement of a merge chunk. Updates are guarded so
// that a row owned by a higher-precedence source is left alone.
type OpportunityWrite struct {
	Action WriteAction
	Row    *SellerOpportunity
}

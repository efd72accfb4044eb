package storage

import (
	"fmt"
	"strings"

	"seller_radar/models"
)

// opportunityColumns is the column order shared by every opportunity query
// and by scanOpportunity / opportunityArgs.
var opportunityColumns = []string{
	"id", "organization_id", "dedupe_key", "source", "dataset_key", "status", "score", "signals",
	"parcel_id", "owner_name", "county",
	"situs_line", "situs_city", "situs_state", "situs_zip",
	"mailing_line", "mailing_city", "mailing_state", "mailing_zip",
	"assessed_value", "last_sale_price", "last_sale_date", "lat", "lng",
	"converted_lead_id", "last_seen_at", "created_at", "updated_at",
}

// pipelineColumns are the columns an ingestion update may rewrite. Status and
// converted_lead_id belong to the downstream promotion workflow.
var pipelineColumns = []string{
	"source", "dataset_key", "score", "signals",
	"parcel_id", "owner_name", "county",
	"situs_line", "situs_city", "situs_state", "situs_zip",
	"mailing_line", "mailing_city", "mailing_state", "mailing_zip",
	"assessed_value", "last_sale_price", "last_sale_date", "lat", "lng",
	"last_seen_at", "updated_at",
}

var selectOpportunity = "SELECT " + strings.Join(opportunityColumns, ", ") + " FROM seller_opportunities"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOpportunity(row rowScanner) (*models.SellerOpportunity, error) {
	var o models.SellerOpportunity
	var signals []byte
	err := row.Scan(
		&o.ID, &o.OrganizationID, &o.DedupeKey, &o.Source, &o.DatasetKey, &o.Status, &o.Score, &signals,
		&o.ParcelID, &o.OwnerName, &o.County,
		&o.Situs.Line, &o.Situs.City, &o.Situs.State, &o.Situs.Zip,
		&o.Mailing.Line, &o.Mailing.City, &o.Mailing.State, &o.Mailing.Zip,
		&o.AssessedValue, &o.LastSalePrice, &o.LastSaleDate, &o.Lat, &o.Lng,
		&o.ConvertedLeadID, &o.LastSeenAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if o.Signals, err = models.ParseSignals(signals); err != nil {
		return nil, fmt.Errorf("opportunity %s signals: %w", o.ID, err)
	}
	return &o, nil
}

// opportunityArgs returns values in opportunityColumns order.
func opportunityArgs(o *models.SellerOpportunity) []any {
	return []any{
		o.ID, o.OrganizationID, o.DedupeKey, o.Source, o.DatasetKey, string(o.Status), o.Score, string(o.Signals.ToJSON()),
		o.ParcelID, o.OwnerName, o.County,
		o.Situs.Line, o.Situs.City, o.Situs.State, o.Situs.Zip,
		o.Mailing.Line, o.Mailing.City, o.Mailing.State, o.Mailing.Zip,
		o.AssessedValue, o.LastSalePrice, o.LastSaleDate, o.Lat, o.Lng,
		o.ConvertedLeadID, o.LastSeenAt, o.CreatedAt, o.UpdatedAt,
	}
}

// pipelineArgs returns values in pipelineColumns order.
func pipelineArgs(o *models.SellerOpportunity) []any {
	return []any{
		o.Source, o.DatasetKey, o.Score, string(o.Signals.ToJSON()),
		o.ParcelID, o.OwnerName, o.County,
		o.Situs.Line, o.Situs.City, o.Situs.State, o.Situs.Zip,
		o.Mailing.Line, o.Mailing.City, o.Mailing.State, o.Mailing.Zip,
		o.AssessedValue, o.LastSalePrice, o.LastSaleDate, o.Lat, o.Lng,
		o.LastSeenAt, o.UpdatedAt,
	}
}

// placeholder renders bind parameter n (1-based) for a dialect.
type placeholder func(n int) string

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func question(int) string { return "?" }

func placeholders(ph placeholder, from, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = ph(from + i)
	}
	return strings.Join(parts, ", ")
}

func insertOpportunitySQL(ph placeholder) string {
	return "INSERT INTO seller_opportunities (" + strings.Join(opportunityColumns, ", ") + ") VALUES (" +
		placeholders(ph, 1, len(opportunityColumns)) + ") ON CONFLICT (organization_id, dedupe_key) DO NOTHING"
}

// setClause renders "a = $from, b = $from+1, ...".
func setClause(ph placeholder, columns []string, from int) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c + " = " + ph(from+i)
	}
	return strings.Join(parts, ", ")
}

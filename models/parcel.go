package models

import "time"

type Address struct {
	Line  string `json:"line"`
	City  string `json:"city"`
	State string `json:"state"`
	Zip   string `json:"zip"`
}

func (a Address) IsEmpty() bool {
	return a.Line == "" && a.City == "" && a.Zip == ""
}

// ParcelRecord is the provider-agnostic row shape produced by the schema
// resolver and consumed by the scorer.
type ParcelRecord struct {
	ParcelID      string     `json:"parcel_id,omitempty"`
	OwnerName     string     `json:"owner_name,omitempty"`
	County        string     `json:"county,omitempty"`
	Situs         Address    `json:"situs"`
	Mailing       Address    `json:"mailing"`
	AssessedValue float64    `json:"assessed_value,omitempty"`
	LastSalePrice float64    `json:"last_sale_price,omitempty"`
	LastSaleDate  *time.Time `json:"last_sale_date,omitempty"`
	Homestead     *bool      `json:"homestead,omitempty"` // nil when the source has no homestead column
	Lat           *float64   `json:"lat,omitempty"`
	Lng           *float64   `json:"lng,omitempty"`
}

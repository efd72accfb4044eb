// Package schema maps vendor header rows onto canonical parcel fields.
package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"seller_radar/identity"
	"seller_radar/models"
)

var ErrMissingRequired = errors.New("missing required field")

type Field string

const (
	ParcelID      Field = "parcel_id"
	OwnerName     Field = "owner_name"
	SitusLine     Field = "situs_address"
	SitusCity     Field = "situs_city"
	SitusState    Field = "situs_state"
	SitusZip      Field = "situs_zip"
	MailLine      Field = "mailing_address"
	MailCity      Field = "mailing_city"
	MailState     Field = "mailing_state"
	MailZip       Field = "mailing_zip"
	AssessedValue Field = "assessed_value"
	LastSalePrice Field = "last_sale_price"
	LastSaleDate  Field = "last_sale_date"
	SaleYear      Field = "sale_year"
	SaleMonth     Field = "sale_month"
	Homestead     Field = "homestead"
	Latitude      Field = "latitude"
	Longitude     Field = "longitude"
)

// Fields is the resolution order. Earlier fields claim contested columns.
var Fields = []Field{
	SitusLine, SitusCity, SitusState, SitusZip,
	MailLine, MailCity, MailState, MailZip,
	ParcelID, OwnerName,
	AssessedValue, LastSalePrice, LastSaleDate, SaleYear, SaleMonth,
	Homestead, Latitude, Longitude,
}

var required = []Field{SitusLine, SitusCity, SitusZip}

// minContainsLen is the shortest normalized alias allowed to match by
// substring containment.
const minContainsLen = 5

// AliasTable lists candidate header spellings per field, most specific first.
type AliasTable map[Field][]string

// Merge returns a copy of t with extra's aliases tried first.
func (t AliasTable) Merge(extra AliasTable) AliasTable {
	out := make(AliasTable, len(t))
	for f, aliases := range t {
		out[f] = append([]string(nil), aliases...)
	}
	for f, aliases := range extra {
		out[f] = append(append([]string(nil), aliases...), out[f]...)
	}
	return out
}

// Normalize lowercases h and drops everything that is not a letter or digit.
func Normalize(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Columns maps resolved fields to header positions.
type Columns map[Field]int

// Resolve matches header against aliases: exact normalized match for every
// field first, then substring containment on the columns still unclaimed.
func Resolve(header []string, aliases AliasTable) Columns {
	norm := make([]string, len(header))
	for i, h := range header {
		norm[i] = Normalize(h)
	}

	cols := Columns{}
	claimed := make(map[int]bool)

	for _, f := range Fields {
	exact:
		for _, alias := range aliases[f] {
			a := Normalize(alias)
			for i, h := range norm {
				if !claimed[i] && a != "" && h == a {
					cols[f] = i
					claimed[i] = true
					break exact
				}
			}
		}
	}

	for _, f := range Fields {
		if _, ok := cols[f]; ok {
			continue
		}
	contains:
		for _, alias := range aliases[f] {
			a := Normalize(alias)
			if len(a) < minContainsLen {
				continue
			}
			for i, h := range norm {
				if !claimed[i] && strings.Contains(h, a) {
					cols[f] = i
					claimed[i] = true
					break contains
				}
			}
		}
	}

	return cols
}

func (c Columns) Index(f Field) (int, bool) {
	i, ok := c[f]
	return i, ok
}

// Missing lists the required fields the header could not resolve.
func (c Columns) Missing() []Field {
	var out []Field
	for _, f := range required {
		if _, ok := c[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// Defaults fill fields the source does not carry per row.
type Defaults struct {
	County string
	State  string
}

func (c Columns) value(row []string, f Field) string {
	i, ok := c[f]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Extract builds a parcel from row. Rows without a situs street, city or
// postal code fail with ErrMissingRequired.
func (c Columns) Extract(row []string, d Defaults) (models.ParcelRecord, error) {
	for _, f := range required {
		if c.value(row, f) == "" {
			return models.ParcelRecord{}, fmt.Errorf("%w: %s", ErrMissingRequired, f)
		}
	}

	state := identity.NormalizeState(c.value(row, SitusState))
	if state == "" {
		state = identity.NormalizeState(d.State)
	}

	p := models.ParcelRecord{
		ParcelID:  c.value(row, ParcelID),
		OwnerName: collapseSpace(c.value(row, OwnerName)),
		County:    d.County,
		Situs: models.Address{
			Line:  collapseSpace(c.value(row, SitusLine)),
			City:  collapseSpace(c.value(row, SitusCity)),
			State: state,
			Zip:   c.value(row, SitusZip),
		},
		Mailing: models.Address{
			Line:  collapseSpace(c.value(row, MailLine)),
			City:  collapseSpace(c.value(row, MailCity)),
			State: identity.NormalizeState(c.value(row, MailState)),
			Zip:   c.value(row, MailZip),
		},
		AssessedValue: ParseMoney(c.value(row, AssessedValue)),
		LastSalePrice: ParseMoney(c.value(row, LastSalePrice)),
	}

	if t, ok := ParseDate(c.value(row, LastSaleDate)); ok {
		p.LastSaleDate = &t
	} else if t, ok := saleYearMonth(c.value(row, SaleYear), c.value(row, SaleMonth)); ok {
		p.LastSaleDate = &t
	}

	if _, ok := c[Homestead]; ok {
		h := ParseHomestead(c.value(row, Homestead))
		p.Homestead = &h
	}

	if v, err := strconv.ParseFloat(c.value(row, Latitude), 64); err == nil && v != 0 {
		p.Lat = &v
	}
	if v, err := strconv.ParseFloat(c.value(row, Longitude), 64); err == nil && v != 0 {
		p.Lng = &v
	}

	return p, nil
}

// ParseMoney reads "$1,250,000.00" style amounts. Unparseable input is 0.
func ParseMoney(s string) float64 {
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

var dateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006", "20060102"}

func ParseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if len(s) > 10 && s[4] == '-' {
		s = s[:10]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func saleYearMonth(year, month string) (time.Time, bool) {
	y, err := strconv.Atoi(year)
	if err != nil || y < 1800 || y > 3000 {
		return time.Time{}, false
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		m = 1
	}
	return time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC), true
}

// ParseHomestead accepts flag values (Y/N, true/false) or an exemption
// amount, where any positive amount means exempt.
func ParseHomestead(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "t", "true", "x", "h", "hx":
		return true
	case "", "n", "no", "f", "false":
		return false
	}
	return ParseMoney(s) > 0
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package ingest

import (
	"fmt"

	"seller_radar/parser"
	"seller_radar/schema"
)

// Profile is what the pipeline knows about one vendor's file layout.
type Profile struct {
	Name      string
	Delimiter rune
	Selector  parser.EntrySelector
	Aliases   schema.AliasTable
}

// baseAliases are the vendor-neutral spellings every profile falls back to.
var baseAliases = schema.AliasTable{
	schema.ParcelID:      {"parcel_id", "parcel", "folio", "pin", "apn"},
	schema.OwnerName:     {"owner_name", "owner", "owner1"},
	schema.SitusLine:     {"situs_address", "site_address", "property_address"},
	schema.SitusCity:     {"situs_city", "site_city", "property_city"},
	schema.SitusState:    {"situs_state", "site_state", "property_state"},
	schema.SitusZip:      {"situs_zip", "site_zip", "property_zip"},
	schema.MailLine:      {"mailing_address", "mail_address", "owner_address"},
	schema.MailCity:      {"mailing_city", "mail_city", "owner_city"},
	schema.MailState:     {"mailing_state", "mail_state", "owner_state"},
	schema.MailZip:       {"mailing_zip", "mail_zip", "owner_zip"},
	schema.AssessedValue: {"assessed_value", "just_value", "market_value", "total_value"},
	schema.LastSalePrice: {"last_sale_price", "sale_price", "sale_amount"},
	schema.LastSaleDate:  {"last_sale_date", "sale_date"},
	schema.SaleYear:      {"sale_year"},
	schema.SaleMonth:     {"sale_month"},
	schema.Homestead:     {"homestead", "homestead_exemption"},
	schema.Latitude:      {"latitude", "lat"},
	schema.Longitude:     {"longitude", "lon", "lng"},
}

var profiles = map[string]Profile{
	// Florida Department of Revenue name-address-legal roll.
	"fdor_nal": {
		Name:      "fdor_nal",
		Delimiter: ',',
		Selector:  parser.EntrySelector{Extensions: []string{".csv", ".txt"}, Markers: []string{"nal"}},
		Aliases: baseAliases.Merge(schema.AliasTable{
			schema.ParcelID:      {"PARCEL_ID"},
			schema.OwnerName:     {"OWN_NAME"},
			schema.SitusLine:     {"PHY_ADDR1"},
			schema.SitusCity:     {"PHY_CITY"},
			schema.SitusZip:      {"PHY_ZIPCD"},
			schema.MailLine:      {"OWN_ADDR1"},
			schema.MailCity:      {"OWN_CITY"},
			schema.MailState:     {"OWN_STATE"},
			schema.MailZip:       {"OWN_ZIPCD"},
			schema.AssessedValue: {"JV"},
			schema.LastSalePrice: {"SALE_PRC1"},
			schema.SaleYear:      {"SALE_YR1"},
			schema.SaleMonth:     {"SALE_MO1"},
			schema.Homestead:     {"JV_HMSTD"},
		}),
	},
	// Palm Beach Property Appraiser parcel extract.
	"pbc_pao": {
		Name:      "pbc_pao",
		Delimiter: '\t',
		Selector:  parser.EntrySelector{Extensions: []string{".txt", ".tsv", ".csv"}, Markers: []string{"pao"}},
		Aliases: baseAliases.Merge(schema.AliasTable{
			schema.ParcelID:      {"PCN", "PARID"},
			schema.OwnerName:     {"OWNER_NAME1"},
			schema.SitusLine:     {"SITE_ADDR_STR", "SITE_ADDR"},
			schema.SitusCity:     {"MUNICIPALITY", "SITE_CITY"},
			schema.SitusZip:      {"SITE_ZIP"},
			schema.MailLine:      {"PADDR1"},
			schema.MailCity:      {"PCITY"},
			schema.MailState:     {"PSTATE"},
			schema.MailZip:       {"PZIP"},
			schema.AssessedValue: {"TOTAL_MARKET", "ASSESSED_VAL"},
			schema.LastSalePrice: {"PRICE", "SALE_PRICE1"},
			schema.LastSaleDate:  {"SALE_DATE", "SALE_DATE1"},
			schema.Homestead:     {"HMSTD_FLG", "HOMESTEAD"},
		}),
	},
	"generic_csv": {
		Name:      "generic_csv",
		Delimiter: ',',
		Selector:  parser.EntrySelector{Extensions: []string{".csv", ".txt", ".tsv"}},
		Aliases:   baseAliases,
	},
}

// ProfileFor returns the profile registered for provider.
func ProfileFor(provider string) (Profile, error) {
	p, ok := profiles[provider]
	if !ok {
		return Profile{}, fmt.Errorf("unknown provider %q", provider)
	}
	return p, nil
}

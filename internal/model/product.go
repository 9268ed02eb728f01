package model

import (
	"strings"
	"time"
)

// Canonical document keys.
const (
	FieldIndex       = "index"
	FieldName        = "name"
	FieldVolume      = "volume"
	FieldCountry     = "country"
	FieldDistrict    = "district"
	FieldSubdistrict = "subdistrict"
	FieldCategory    = "category"
	FieldSubcategory = "subcategory"
	FieldURL         = "url"
	FieldStatus      = "status"
	FieldBuyable     = "buyable"
	FieldExpired     = "expired"
	FieldOrderable   = "orderable"
	FieldOrderInfo   = "orderinfo"
	FieldInStores    = "instores"
	FieldStoreInfo   = "storeinfo"
	FieldSelection   = "selection"
	FieldSustainable = "sustainable"
	FieldImages      = "images"
	FieldLiterPrice  = "literprice"
	FieldNew         = "new"
	FieldRefresh     = "refresh"
	FieldStores      = "stores"

	FieldColor           = "color"
	FieldCharacteristics = "characteristics"
	FieldIngredients     = "ingredients"
	FieldSmell           = "smell"
	FieldTaste           = "taste"
	FieldAllergens       = "allergens"
	FieldPairing         = "pairing"
	FieldStorage         = "storage"
	FieldCork            = "cork"
	FieldDescription     = "description"
	FieldMethod          = "method"
	FieldYear            = "year"

	// TraitAlcohol is the lower-cased trait carrying the alcohol percentage.
	TraitAlcohol = "alkohol"

	pricePrefix    = "price "
	discountPrefix = "discount "
	traitPrefix    = "trait "
)

// StatusExpired values mark a product as withdrawn upstream.
var StatusExpired = []string{"utgått", "utgatt", "expired"}

// Month is the first day of a calendar month, stored as a UTC date.
type Month struct {
	t time.Time
}

// MonthOf returns the month t falls in, read in t's own location. The
// discount run day is read the same way, so both follow the clock's zone.
func MonthOf(t time.Time) Month {
	return Month{t: time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)}
}

// ParseMonth parses YYYY-MM-01 or YYYY-MM.
func ParseMonth(s string) (Month, error) {
	s = strings.TrimSpace(s)
	layout := "2006-01-02"
	if len(s) == len("2006-01") {
		layout = "2006-01"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return Month{}, err
	}
	return MonthOf(t), nil
}

// String renders YYYY-MM-01.
func (m Month) String() string { return m.t.Format("2006-01-02") }

// Time returns the first instant of the month.
func (m Month) Time() time.Time { return m.t }

// AddMonths returns the month n months later.
func (m Month) AddMonths(n int) Month { return Month{t: m.t.AddDate(0, n, 0)} }

// Before reports whether m is strictly earlier than o.
func (m Month) Before(o Month) bool { return m.t.Before(o.t) }

// PriceKey is the append-only price field for a month.
func PriceKey(m Month) string { return pricePrefix + m.String() }

// DiscountKey is the derived price-change field for a month.
func DiscountKey(m Month) string { return discountPrefix + m.String() }

// IsAppendOnly reports whether a key must never be overwritten once set.
func IsAppendOnly(key string) bool { return strings.HasPrefix(key, pricePrefix) }

// MonthsBetween enumerates months from first through last inclusive.
func MonthsBetween(first, last Month) []Month {
	if last.Before(first) {
		return nil
	}
	var out []Month
	for m := first; !last.Before(m); m = m.AddMonths(1) {
		out = append(out, m)
	}
	return out
}

// Description is the long/short style text of a product.
type Description struct {
	Long  *string
	Short *string
}

// Detail is the rich payload present only after a detail harvest.
type Detail struct {
	Color           *string
	Characteristics []string
	Ingredients     []string
	Smell           *string
	Taste           *string
	Allergens       *string
	Pairing         []string
	Storage         *string
	Cork            *string
	Description     Description
	Method          *string
	Year            *int
}

// Product is the canonical catalog record.
type Product struct {
	Index       int64
	Name        *string
	Volume      float64
	Country     *string
	District    *string
	Subdistrict *string
	Category    *string
	Subcategory *string
	URL         *string
	Status      *string
	Buyable     bool
	Expired     bool
	Orderable   bool
	OrderInfo   *string
	InStores    bool
	StoreInfo   *string
	Selection   *string
	Sustainable bool
	Images      map[string]string
	Prices      map[Month]float64
	LiterPrice  *float64

	Detail *Detail
	// Traits holds upstream trait values keyed by lower-cased trait name.
	Traits map[string]any
}

// Availability is the per-product store/channel snapshot from the availability search.
type Availability struct {
	Index     int64
	Status    *string
	Buyable   bool
	Expired   bool
	Orderable bool
	OrderInfo *string
	InStores  bool
	StoreInfo *string
	Stores    []string
	// Refresh marks a product not yet in the catalog; the next discovery details it.
	Refresh bool
}

// Coordinates is a store geo point.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Shop is one physical store. Shops are fully replaced each run.
type Shop struct {
	Index           int64
	Name            *string
	Address         *string
	Coordinates     *Coordinates
	Assortment      *string
	ClickAndCollect bool
	MobilePayment   bool
}

// Document renders the listing and, when present, detail fields of p.
// The new counter is not part of it; the lifecycle layer owns that field.
func (p Product) Document() Document {
	d := Document{
		FieldIndex:       p.Index,
		FieldName:        strOrNil(p.Name),
		FieldVolume:      p.Volume,
		FieldCountry:     strOrNil(p.Country),
		FieldDistrict:    strOrNil(p.District),
		FieldSubdistrict: strOrNil(p.Subdistrict),
		FieldCategory:    strOrNil(p.Category),
		FieldSubcategory: strOrNil(p.Subcategory),
		FieldURL:         strOrNil(p.URL),
		FieldStatus:      strOrNil(p.Status),
		FieldBuyable:     p.Buyable,
		FieldExpired:     p.Expired,
		FieldOrderable:   p.Orderable,
		FieldOrderInfo:   strOrNil(p.OrderInfo),
		FieldInStores:    p.InStores,
		FieldStoreInfo:   strOrNil(p.StoreInfo),
		FieldSelection:   strOrNil(p.Selection),
		FieldSustainable: p.Sustainable,
		FieldLiterPrice:  floatOrNil(p.LiterPrice),
	}

	images := make(map[string]any, len(p.Images))
	for format, url := range p.Images {
		images[format] = url
	}
	d[FieldImages] = images

	for month, price := range p.Prices {
		d[PriceKey(month)] = price
	}

	if p.Detail != nil {
		det := p.Detail
		d[FieldColor] = strOrNil(det.Color)
		d[FieldCharacteristics] = listOrNil(det.Characteristics)
		d[FieldIngredients] = listOrNil(det.Ingredients)
		d[FieldSmell] = strOrNil(det.Smell)
		d[FieldTaste] = strOrNil(det.Taste)
		d[FieldAllergens] = strOrNil(det.Allergens)
		d[FieldPairing] = listOrNil(det.Pairing)
		d[FieldStorage] = strOrNil(det.Storage)
		d[FieldCork] = strOrNil(det.Cork)
		d[FieldDescription] = map[string]any{
			"long":  strOrNil(det.Description.Long),
			"short": strOrNil(det.Description.Short),
		}
		d[FieldMethod] = strOrNil(det.Method)
		if det.Year != nil {
			d[FieldYear] = int64(*det.Year)
		} else {
			d[FieldYear] = nil
		}
	}

	for name, value := range p.Traits {
		d[TraitKey(name)] = value
	}
	return d
}

// Document renders the availability subset of a product record.
func (a Availability) Document() Document {
	d := Document{
		FieldIndex:     a.Index,
		FieldStatus:    strOrNil(a.Status),
		FieldBuyable:   a.Buyable,
		FieldExpired:   a.Expired,
		FieldOrderable: a.Orderable,
		FieldOrderInfo: strOrNil(a.OrderInfo),
		FieldInStores:  a.InStores,
		FieldStoreInfo: strOrNil(a.StoreInfo),
		FieldStores:    listOrNil(a.Stores),
	}
	if a.Refresh {
		d[FieldRefresh] = true
	}
	return d
}

// Document renders a shop record.
func (s Shop) Document() Document {
	d := Document{
		FieldIndex:        s.Index,
		FieldName:         strOrNil(s.Name),
		"address":         strOrNil(s.Address),
		"assortment":      strOrNil(s.Assortment),
		"clickandcollect": s.ClickAndCollect,
		"mobilepayment":   s.MobilePayment,
		"coordinates":     nil,
	}
	if s.Coordinates != nil {
		d["coordinates"] = map[string]any{
			"latitude":  s.Coordinates.Latitude,
			"longitude": s.Coordinates.Longitude,
		}
	}
	return d
}

// TraitKey maps a lower-cased trait name to its document key, prefixing
// names that collide with a core field.
func TraitKey(name string) string {
	if _, reserved := coreFields[name]; reserved || IsAppendOnly(name) || strings.HasPrefix(name, discountPrefix) {
		return traitPrefix + name
	}
	return name
}

var coreFields = map[string]struct{}{
	FieldIndex: {}, FieldName: {}, FieldVolume: {}, FieldCountry: {}, FieldDistrict: {},
	FieldSubdistrict: {}, FieldCategory: {}, FieldSubcategory: {}, FieldURL: {}, FieldStatus: {},
	FieldBuyable: {}, FieldExpired: {}, FieldOrderable: {}, FieldOrderInfo: {}, FieldInStores: {},
	FieldStoreInfo: {}, FieldSelection: {}, FieldSustainable: {}, FieldImages: {}, FieldLiterPrice: {},
	FieldNew: {}, FieldRefresh: {}, FieldStores: {}, FieldColor: {}, FieldCharacteristics: {},
	FieldIngredients: {}, FieldSmell: {}, FieldTaste: {}, FieldAllergens: {}, FieldPairing: {},
	FieldStorage: {}, FieldCork: {}, FieldDescription: {}, FieldMethod: {}, FieldYear: {},
}

// IsExpiredStatus reports whether an upstream status string marks withdrawal.
func IsExpiredStatus(status *string) bool {
	if status == nil {
		return false
	}
	s := strings.ToLower(strings.TrimSpace(*status))
	for _, v := range StatusExpired {
		if s == v {
			return true
		}
	}
	return false
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func listOrNil(items []string) any {
	if len(items) == 0 {
		return nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

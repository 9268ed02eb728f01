// Package normalize maps raw upstream catalog objects onto the canonical
// record schema. Every function is total: absent fields take their defaults.
package normalize

import (
	"strconv"
	"strings"

	"github.com/snublejuice/vinskraper/internal/model"
)

// SiteURL prefixes the relative product paths returned upstream.
const SiteURL = "https://www.vinmonopolet.no"

const (
	defaultImage = "https://bilder.vinmonopolet.no/bottle.png"
	storeFacet   = "butikker"
	goneStatus   = "utgått"
)

// DefaultImages is used when a product carries no images.
func DefaultImages() map[string]string {
	return map[string]string{"thumbnail": defaultImage, "product": defaultImage}
}

// Listing normalizes one product from a search result page.
func Listing(raw Object, month model.Month) model.Product {
	p := base(raw, month)
	price := p.Prices[month]
	if p.Volume > 0 {
		lp := 100 * price / p.Volume
		p.LiterPrice = &lp
	} else if lp, ok := raw.Obj("litrePrice").Float("value"); ok {
		p.LiterPrice = &lp
	}
	return p
}

// Detail normalizes the full product endpoint, including traits.
func Detail(raw Object, month model.Month) model.Product {
	p := base(raw, month)
	if lp, ok := raw.Obj("litrePrice").Float("value"); ok {
		p.LiterPrice = &lp
	} else if p.Volume > 0 {
		lp := 100 * p.Prices[month] / p.Volume
		p.LiterPrice = &lp
	}

	content := raw.Obj("content")
	style := content.Obj("style")
	det := &model.Detail{
		Color:           raw.Str("color"),
		Characteristics: content.Strings("characteristics", "readableValue"),
		Ingredients:     content.Strings("ingredients", "readableValue"),
		Smell:           raw.Str("smell"),
		Taste:           raw.Str("taste"),
		Allergens:       raw.Str("allergens"),
		Pairing:         content.Strings("isGoodFor", "name"),
		Storage:         content.Obj("storagePotential").Str("formattedValue"),
		Cork:            raw.Str("cork"),
		Description: model.Description{
			Long:  style.Str("description"),
			Short: style.Str("name"),
		},
		Method: raw.Str("method"),
	}
	if year, ok := raw.Int("year"); ok {
		y := int(year)
		det.Year = &y
	}
	p.Detail = det

	traits := content.List("traits")
	if len(traits) > 0 {
		p.Traits = make(map[string]any, len(traits))
	}
	for _, trait := range traits {
		name := trait.Str("name")
		if name == nil {
			continue
		}
		key := strings.ToLower(*name)
		value := trait.Str("readableValue")
		if key == model.TraitAlcohol {
			if pct, ok := ParseAlcohol(value); ok {
				p.Traits[key] = pct
			} else {
				p.Traits[key] = nil
			}
			continue
		}
		if value == nil {
			p.Traits[key] = nil
		} else {
			p.Traits[key] = *value
		}
	}
	return p
}

// ParseAlcohol reads texts like "13,5 prosent" as 13.5.
func ParseAlcohol(text *string) (float64, bool) {
	if text == nil {
		return 0, false
	}
	s := strings.ToLower(*text)
	s = strings.ReplaceAll(s, "prosent", "")
	s = strings.ReplaceAll(s, "%", "")
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Availability normalizes the availability search result for index. An
// empty result means the product is gone upstream.
func Availability(index int64, result Object) model.Availability {
	psr := result.Obj("productSearchResult")
	products := psr.List("products")
	if len(products) == 0 {
		status := goneStatus
		return model.Availability{Index: index, Status: &status, Expired: true}
	}

	var stores []string
	for _, facet := range psr.List("facets") {
		name := facet.Str("name")
		if name == nil || strings.ToLower(*name) != storeFacet {
			continue
		}
		stores = append(stores, facet.Strings("values", "name")...)
	}

	product := products[0]
	a := model.Availability{
		Index:   index,
		Status:  product.Str("status"),
		Buyable: product.Bool("buyable"),
		Expired: product.Bool("expired"),
		Stores:  stores,
	}
	a.Orderable, a.OrderInfo, a.InStores, a.StoreInfo = channels(product)
	return a
}

// Shops normalizes the store list. Entries without a numeric store number
// cannot be keyed and are dropped.
func Shops(raw Object) []model.Shop {
	entries := raw.List("stores")
	out := make([]model.Shop, 0, len(entries))
	for _, entry := range entries {
		index, ok := entry.Int("name")
		if !ok {
			continue
		}
		shop := model.Shop{
			Index:           index,
			Name:            entry.Str("displayName"),
			Address:         entry.Obj("address").Str("formattedAddress"),
			Assortment:      entry.Str("assortment"),
			ClickAndCollect: entry.Bool("clickAndCollect"),
			MobilePayment:   entry.Bool("mobileCheckoutEnabled"),
		}
		if geo := entry.Obj("geoPoint"); geo != nil {
			lat, _ := geo.Float("latitude")
			lon, _ := geo.Float("longitude")
			shop.Coordinates = &model.Coordinates{Latitude: lat, Longitude: lon}
		}
		out = append(out, shop)
	}
	return out
}

// SearchPage extracts the products and the page count from a search response.
func SearchPage(raw Object) ([]Object, int) {
	psr := raw.Obj("productSearchResult")
	pages, ok := psr.Obj("pagination").Int("totalPages")
	if !ok {
		pages, _ = raw.Obj("contentSearchResult").Obj("pagination").Int("totalPages")
	}
	if pages < 0 {
		pages = 0
	}
	return psr.List("products"), int(pages)
}

func base(raw Object, month model.Month) model.Product {
	index, _ := raw.Int("code")
	volume, _ := raw.Obj("volume").Float("value")
	price, _ := raw.Obj("price").Float("value")

	p := model.Product{
		Index:       index,
		Name:        raw.Str("name"),
		Volume:      volume,
		Country:     raw.Obj("main_country").Str("name"),
		District:    raw.Obj("district").Str("name"),
		Subdistrict: raw.Obj("sub_District").Str("name"),
		Category:    raw.Obj("main_category").Str("name"),
		Subcategory: raw.Obj("main_sub_category").Str("name"),
		Status:      raw.Str("status"),
		Buyable:     raw.Bool("buyable"),
		Expired:     raw.Bool("expired"),
		Selection:   raw.Str("product_selection"),
		Sustainable: raw.Bool("sustainable"),
		Images:      images(raw.List("images")),
		Prices:      map[model.Month]float64{month: price},
	}
	if path := raw.Str("url"); path != nil {
		u := SiteURL + *path
		p.URL = &u
	}
	p.Orderable, p.OrderInfo, p.InStores, p.StoreInfo = channels(raw)
	return p
}

func channels(raw Object) (orderable bool, orderInfo *string, inStores bool, storeInfo *string) {
	pa := raw.Obj("productAvailability")
	delivery := pa.Obj("deliveryAvailability")
	stores := pa.Obj("storesAvailability")
	return delivery.Bool("availableForPurchase"), firstInfo(delivery),
		stores.Bool("availableForPurchase"), firstInfo(stores)
}

func firstInfo(o Object) *string {
	infos := o.List("infos")
	if len(infos) == 0 {
		return nil
	}
	return infos[0].Str("readableValue")
}

func images(items []Object) map[string]string {
	out := make(map[string]string, len(items))
	for _, img := range items {
		format, url := img.Str("format"), img.Str("url")
		if format == nil || url == nil {
			continue
		}
		out[*format] = *url
	}
	if len(out) == 0 {
		return DefaultImages()
	}
	return out
}

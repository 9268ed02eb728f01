package harvest

import (
	"net/url"
	"strconv"
	"strings"
)

// DefaultBaseURL is the upstream catalog host.
const DefaultBaseURL = "https://www.vinmonopolet.no"

// Endpoints builds upstream request targets.
type Endpoints struct {
	Base string
}

func (e Endpoints) base() string {
	if e.Base == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(e.Base, "/")
}

// NewProducts is one page of the new-products search.
func (e Endpoints) NewProducts(page int) (string, url.Values) {
	return e.base() + "/vmpws/v2/vmp/search", url.Values{
		"searchType":  {"product"},
		"currentPage": {strconv.Itoa(page)},
		"q":           {":relevance:newProducts:true"},
	}
}

// Detail is the full record of one product.
func (e Endpoints) Detail(index int64) (string, url.Values) {
	return e.base() + "/vmpws/v3/vmp/products/" + strconv.FormatInt(index, 10), url.Values{
		"fields": {"FULL"},
	}
}

// Availability searches for one product to read its store facet.
func (e Endpoints) Availability(index int64) (string, url.Values) {
	return e.base() + "/vmpws/v2/vmp/search", url.Values{
		"fields":     {"FULL"},
		"searchType": {"product"},
		"q":          {strconv.FormatInt(index, 10) + ":relevance"},
	}
}

// Stores lists every physical store.
func (e Endpoints) Stores() (string, url.Values) {
	return e.base() + "/vmpws/v2/vmp/stores", url.Values{
		"fields":   {"FULL"},
		"pageSize": {"1000"},
		"q":        {"*"},
	}
}

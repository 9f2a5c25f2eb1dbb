// Package catalog is the static product registry for the checkout relay
// service. Every per-product fact lives here: pricing, redirect paths,
// enrollment offers, CRM forms, and the price identity used to classify
// incoming webhook events. Handlers are parameterized by catalog entries
// instead of being duplicated per product.
package catalog

import "strings"

// Price identifies how a product is priced for one currency: a fixed Stripe
// price ID, an inline amount in the currency's minor unit, or both. When both
// are present the price ID is preferred for session creation and either form
// satisfies price identity matching.
type Price struct {
	PriceID    string
	UnitAmount int64
}

// AddOn is an optional extra a buyer can attach to a checkout session.
type AddOn struct {
	Key         string
	Name        string
	Description string
	Currency    string
	Price       Price
}

// Product is one sellable course product.
type Product struct {
	Key         string // URL selector, e.g. /v1/checkout/{key}
	Name        string // display name, also stored in session metadata
	Description string

	DefaultCurrency string
	Prices          map[string]Price  // keyed by lowercase ISO currency
	GeoCurrencies   map[string]string // country code -> currency override
	AddOns          map[string]AddOn

	// CouponCode is the only discount code this product accepts. Unknown or
	// inactive codes degrade to full price rather than failing the checkout.
	CouponCode string

	SuccessPath string
	CancelPath  string
	PaymentType string // session metadata payment_type

	// OfferID selects the enrollment platform offer to activate on purchase.
	// Empty disables the enrollment delivery.
	OfferID string

	// CRM delivery settings.
	CRMFormID string
	CRMTags   []string

	// RecordPurchase enables the CRM purchase record delivery, keyed by
	// PurchasePID as the stable product id.
	RecordPurchase bool
	PurchasePID    string
}

// PriceFor returns the price entry for the given currency.
func (p *Product) PriceFor(currency string) (Price, bool) {
	pr, ok := p.Prices[strings.ToLower(currency)]
	return pr, ok
}

// CurrencyFor resolves the billing currency for a buyer's country. Products
// without a geo table always sell in their default currency.
func (p *Product) CurrencyFor(countryCode string) string {
	if cur, ok := p.GeoCurrencies[strings.ToUpper(countryCode)]; ok {
		return cur
	}
	return p.DefaultCurrency
}

// LineItem is the slice of a checkout session line item relevant to price
// identity matching.
type LineItem struct {
	PriceID    string
	UnitAmount int64
	Currency   string
}

// Matches reports whether a completed session belongs to this product.
// The session metadata product name must always match. Stripe webhook
// payloads carry line items only when the endpoint expands them, so a
// session without line items is classified by metadata alone; when items
// are present, at least one must also hit the product's price identity,
// which stops an endpoint from claiming another product's purchase if
// metadata names ever collide.
func (p *Product) Matches(metadataProduct string, items []LineItem) bool {
	if metadataProduct != p.Name {
		return false
	}
	if len(items) == 0 {
		return true
	}
	for _, item := range items {
		if p.matchesItem(item) {
			return true
		}
	}
	return false
}

func (p *Product) matchesItem(item LineItem) bool {
	for currency, price := range p.Prices {
		if price.PriceID != "" && price.PriceID == item.PriceID {
			return true
		}
		if price.UnitAmount > 0 && price.UnitAmount == item.UnitAmount &&
			currency == strings.ToLower(item.Currency) {
			return true
		}
	}
	for _, addOn := range p.AddOns {
		if addOn.Price.PriceID != "" && addOn.Price.PriceID == item.PriceID {
			return true
		}
	}
	return false
}

// SignupForm is a CRM form reachable through the public signup endpoint.
type SignupForm struct {
	Key              string
	FormID           string
	RequireFirstName bool
	Tags             []string
	Fields           map[string]string // static custom fields sent with each signup
}

// Registry holds the product and signup-form catalogs. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	products map[string]*Product
	forms    map[string]*SignupForm
}

// Product returns the product registered under key.
func (r *Registry) Product(key string) (*Product, bool) {
	p, ok := r.products[key]
	return p, ok
}

// Form returns the signup form registered under key.
func (r *Registry) Form(key string) (*SignupForm, bool) {
	f, ok := r.forms[key]
	return f, ok
}

// ProductKeys returns the registered product keys.
func (r *Registry) ProductKeys() []string {
	keys := make([]string, 0, len(r.products))
	for k := range r.products {
		keys = append(keys, k)
	}
	return keys
}

// NewRegistry builds a registry from product and form definitions, keyed by
// their Key fields.
func NewRegistry(products []*Product, forms []*SignupForm) *Registry {
	r := &Registry{
		products: make(map[string]*Product, len(products)),
		forms:    make(map[string]*SignupForm, len(forms)),
	}
	for _, p := range products {
		r.products[p.Key] = p
	}
	for _, f := range forms {
		r.forms[f.Key] = f
	}
	return r
}

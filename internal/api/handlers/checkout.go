// Package handlers contains the HTTP handler implementations for the course
// relay API. Handlers are parameterized by catalog entries: one checkout
// handler, one webhook handler, and one signup handler serve every product
// and form the registry knows about.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"courserelay/internal/catalog"
	"courserelay/internal/core"
	"courserelay/internal/external"
	"courserelay/internal/types"
)

// CheckoutRequest is the request body for POST /v1/checkout/{product}.
// Every field is optional; an empty body creates a default-currency session
// with no prefilled email and no discount.
type CheckoutRequest struct {
	CustomerEmail string   `json:"customerEmail,omitempty" validate:"omitempty,email"`
	CouponCode    string   `json:"couponCode,omitempty" validate:"omitempty,max=64"`
	Currency      string   `json:"currency,omitempty" validate:"omitempty,len=3"`
	AddOns        []string `json:"addOns,omitempty" validate:"omitempty,max=10"`
}

// CheckoutHandler builds Stripe Checkout sessions for catalog products.
type CheckoutHandler struct {
	gateway     external.PaymentGateway
	geo         external.GeoResolver
	registry    *catalog.Registry
	validator   *core.Validator
	siteBaseURL string
	logger      *slog.Logger
}

// NewCheckoutHandler creates a CheckoutHandler with the provided dependencies.
func NewCheckoutHandler(
	gateway external.PaymentGateway,
	geo external.GeoResolver,
	registry *catalog.Registry,
	validator *core.Validator,
	siteBaseURL string,
	logger *slog.Logger,
) *CheckoutHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutHandler{
		gateway:     gateway,
		geo:         geo,
		registry:    registry,
		validator:   validator,
		siteBaseURL: strings.TrimSuffix(siteBaseURL, "/"),
		logger:      logger,
	}
}

// RegisterRoutes mounts the checkout endpoint. Non-POST methods get chi's
// built-in 405 response.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router) {
	r.Post("/checkout/{product}", h.Handle)
}

// Handle creates a checkout session for the product named in the URL.
//
// Flow:
//  1. Resolve the product from the catalog (404 if unknown).
//  2. Decode and validate the optional request body.
//  3. Resolve the billing currency (explicit request value, then buyer
//     geolocation, then the product default).
//  4. Resolve the discount, if a code was supplied or configured.
//  5. Create the session; if Stripe rejects the discount, retry exactly once
//     without it and flag the response with fallback=true.
func (h *CheckoutHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	productKey := chi.URLParam(r, "product")
	product, ok := h.registry.Product(productKey)
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeNotFoundProduct,
			"unknown product: "+productKey,
			nil,
		))
		return
	}

	var req CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		// An absent body is fine; only malformed bodies are rejected.
		if !errors.Is(err, io.EOF) {
			core.Error(w, r, err)
			return
		}
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	addOns, err := resolveAddOns(product, req.AddOns)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	currency := h.resolveCurrency(ctx, product, req.Currency, r)
	price, ok := product.PriceFor(currency)
	if !ok {
		// A geo or request currency without a configured price falls back to
		// the default currency rather than failing the checkout.
		currency = product.DefaultCurrency
		price, ok = product.PriceFor(currency)
		if !ok {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeInternalUnexpected,
				"product has no price for its default currency",
				nil,
			))
			return
		}
	}

	sessionReq := h.buildSessionRequest(product, price, currency, addOns, req.CustomerEmail)

	couponCode := req.CouponCode
	if couponCode == "" {
		couponCode = product.CouponCode
	}
	fallback := false
	if couponCode != "" {
		fallback = h.applyDiscount(ctx, &sessionReq, couponCode)
	}

	session, err := h.gateway.CreateCheckoutSession(ctx, sessionReq)
	if err != nil && external.IsCouponRejection(err) {
		h.logger.WarnContext(ctx, "discount rejected, retrying checkout without it",
			"product", product.Key,
			"coupon_code", couponCode,
			"error", err,
		)
		sessionReq.CouponID = ""
		sessionReq.PromotionCodeID = ""
		session, err = h.gateway.CreateCheckoutSession(ctx, sessionReq)
		fallback = true
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create checkout session",
			"product", product.Key,
			"currency", currency,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "checkout session created",
		"product", product.Key,
		"currency", currency,
		"session_id", session.ID,
		"fallback", fallback,
	)

	core.JSON(w, r, http.StatusOK, types.CheckoutResult{
		SessionID: session.ID,
		URL:       session.URL,
		Fallback:  fallback,
	})
}

// resolveCurrency picks the billing currency. An explicit request currency
// wins; otherwise products with a geo table consult the buyer's country.
// Geolocation is best-effort: any failure falls through to the default.
func (h *CheckoutHandler) resolveCurrency(ctx context.Context, product *catalog.Product, requested string, r *http.Request) string {
	if requested != "" {
		if _, ok := product.PriceFor(requested); ok {
			return strings.ToLower(requested)
		}
	}

	if len(product.GeoCurrencies) == 0 || h.geo == nil {
		return product.DefaultCurrency
	}

	ip := clientIP(r)
	if ip == "" {
		return product.DefaultCurrency
	}

	country, err := h.geo.CountryCode(ctx, ip)
	if err != nil {
		h.logger.WarnContext(ctx, "geolocation lookup failed, using default currency",
			"product", product.Key,
			"error", err,
		)
		return product.DefaultCurrency
	}
	if country == "" {
		return product.DefaultCurrency
	}

	return product.CurrencyFor(country)
}

// buildSessionRequest assembles the Stripe session parameters for the product
// plus any selected add-ons.
func (h *CheckoutHandler) buildSessionRequest(
	product *catalog.Product,
	price catalog.Price,
	currency string,
	addOns []catalog.AddOn,
	customerEmail string,
) external.CheckoutSessionRequest {
	items := make([]external.CheckoutLineItem, 0, 1+len(addOns))

	main := external.CheckoutLineItem{Quantity: 1}
	if price.PriceID != "" {
		main.PriceID = price.PriceID
	} else {
		main.Currency = currency
		main.UnitAmount = price.UnitAmount
		main.Name = product.Name
		main.Description = product.Description
	}
	items = append(items, main)

	for _, addOn := range addOns {
		item := external.CheckoutLineItem{Quantity: 1}
		if addOn.Price.PriceID != "" {
			item.PriceID = addOn.Price.PriceID
		} else {
			item.Currency = addOn.Currency
			item.UnitAmount = addOn.Price.UnitAmount
			item.Name = addOn.Name
			item.Description = addOn.Description
		}
		items = append(items, item)
	}

	metadata := map[string]string{
		"product": product.Name,
	}
	if product.PaymentType != "" {
		metadata["payment_type"] = product.PaymentType
	}
	for _, addOn := range addOns {
		metadata["addon_"+addOn.Key] = "true"
	}

	return external.CheckoutSessionRequest{
		SuccessURL:    h.siteBaseURL + product.SuccessPath + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     h.siteBaseURL + product.CancelPath,
		CustomerEmail: customerEmail,
		LineItems:     items,
		Metadata:      metadata,
	}
}

// applyDiscount resolves a discount code into session parameters. Codes that
// match an active promotion code are applied by promotion code ID; anything
// else is passed through as a coupon ID and left for Stripe to judge.
// Lookup failures degrade to no discount, reported as a fallback so the
// storefront can tell the buyer the session was created at full price.
func (h *CheckoutHandler) applyDiscount(ctx context.Context, sessionReq *external.CheckoutSessionRequest, code string) (fallback bool) {
	promoID, err := h.gateway.FindPromotionCode(ctx, code)
	if err != nil {
		h.logger.WarnContext(ctx, "promotion code lookup failed, proceeding without discount",
			"coupon_code", code,
			"error", err,
		)
		return true
	}
	if promoID != "" {
		sessionReq.PromotionCodeID = promoID
		return false
	}
	sessionReq.CouponID = code
	return false
}

// resolveAddOns validates requested add-on keys against the product catalog.
func resolveAddOns(product *catalog.Product, keys []string) ([]catalog.AddOn, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	addOns := make([]catalog.AddOn, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		addOn, ok := product.AddOns[key]
		if !ok {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidAddOn,
				"unknown add-on for product",
				nil,
				map[string]any{"addOn": key, "product": product.Key},
			)
		}
		addOns = append(addOns, addOn)
	}
	return addOns, nil
}

// clientIP extracts the originating client IP, preferring the first hop of
// X-Forwarded-For over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

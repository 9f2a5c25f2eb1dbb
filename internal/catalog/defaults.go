package catalog

// Default builds the production catalog. Amounts are in the currency's minor
// unit (pence/cents).
func Default() *Registry {
	return NewRegistry(defaultProducts(), defaultForms())
}

func defaultProducts() []*Product {
	return []*Product{
		{
			Key:             "blueprint",
			Name:            "Blueprint Program",
			Description:     "Complete Blueprint training program",
			DefaultCurrency: "gbp",
			Prices: map[string]Price{
				"gbp": {UnitAmount: 213500},
				"usd": {UnitAmount: 295000},
			},
			GeoCurrencies: map[string]string{"US": "usd"},
			SuccessPath:   "/work-with-us/blueprint/success",
			CancelPath:    "/work-with-us/blueprint/cancel",
			PaymentType:   "one-time",
			OfferID:       "2150421081",
			CRMFormID:     "8189148",
			CRMTags:       []string{"blueprint-customer"},
		},
		{
			Key:             "creator",
			Name:            "Creator",
			DefaultCurrency: "gbp",
			Prices: map[string]Price{
				"usd": {PriceID: "price_1RaSn5BlWJBhJeWFMvVu8RG1"},
				"gbp": {PriceID: "price_1RaSmIBlWJBhJeWFBpboNdnW"},
			},
			SuccessPath: "/creator/success",
			CancelPath:  "/creator/cancel",
			PaymentType: "one-time",
			OfferID:     "2150421081",
			CRMFormID:   "8189148",
			CRMTags:     []string{"creator-customer"},
		},
		{
			Key:             "fundamentals",
			Name:            "The Viral Video Fundamentals: Your First 1,000,000 views",
			DefaultCurrency: "gbp",
			Prices: map[string]Price{
				"gbp": {PriceID: "price_1RWAHLBlWJBhJeWF4ZXPS7eL"},
			},
			CouponCode:     "LION",
			SuccessPath:    "/fundamentals/success",
			CancelPath:     "/fundamentals/cancel",
			PaymentType:    "one-time",
			OfferID:        "2163084122",
			CRMFormID:      "8221305",
			CRMTags:        []string{"fundamentals-customer"},
			RecordPurchase: true,
			PurchasePID:    "viral-video-fundamentals",
		},
		{
			Key:             "vertical-shortcut",
			Name:            "The Vertical Shortcut",
			Description:     "Turn your personal brand into a personal machine with our proven system for short form content.",
			DefaultCurrency: "gbp",
			Prices: map[string]Price{
				"gbp": {PriceID: "price_1RYweyBlWJBhJeWFpOuUOCK9", UnitAmount: 350000},
			},
			AddOns: map[string]AddOn{
				"team-training": {
					Key:      "team-training",
					Name:     "Team Training",
					Currency: "gbp",
					Price:    Price{PriceID: "price_1RYwboBlWJBhJeWF7F3NUqWv", UnitAmount: 75000},
				},
			},
			SuccessPath: "/vs-masterclass/success",
			CancelPath:  "/vs-masterclass/cancel",
			PaymentType: "one-time",
			CRMFormID:   "8174288",
			CRMTags:     []string{"vs-customer"},
		},
	}
}

func defaultForms() []*SignupForm {
	return []*SignupForm{
		{
			Key:    "newsletter",
			FormID: "8058172",
			Tags:   []string{"newsletter-subscriber", "like-it-or-not"},
			Fields: map[string]string{"source": "like_it_or_not_website"},
		},
		{
			Key:              "express-waitlist",
			FormID:           "8194066",
			RequireFirstName: true,
			Tags:             []string{"express-waitlist", "high-value-prospect", "creative-services"},
			Fields: map[string]string{
				"source":           "express_waitlist_website",
				"product_interest": "Express Creative Department",
				"pricing_tier":     "£3k+/month",
			},
		},
		{
			Key:              "professional-breakthrough",
			FormID:           "8235235",
			RequireFirstName: true,
			Tags:             []string{"professional-breakthrough-waitlist", "career-development", "creative-professional"},
			Fields: map[string]string{
				"source":           "professional_breakthrough_website",
				"product_interest": "Professional Breakthrough",
				"pricing_tier":     "£450",
				"program_type":     "Career Development",
			},
		},
		{
			Key:              "vs-slides",
			FormID:           "8174288",
			RequireFirstName: true,
			Tags:             []string{"vs-masterclass-slides-download"},
			Fields:           map[string]string{"source": "vs_masterclass_slides"},
		},
		{
			Key:    "blueprint-kit",
			FormID: "8189148",
			Tags:   []string{"blueprint-download-kit"},
			Fields: map[string]string{"source": "blueprint_download_kit"},
		},
	}
}

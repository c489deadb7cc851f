package models

import "github.com/estatehub/portal/common/validation"

// Schemas returns the payload contract of every resource type
func Schemas() []validation.Schema {
	return []validation.Schema{
		{
			Type: string(ResourceProperty),
			Fields: []validation.FieldSpec{
				{Name: "title", Kind: validation.KindString, Required: true},
				{Name: "description", Kind: validation.KindString},
				{Name: "listing_type", Kind: validation.KindString, Required: true},
				{Name: "price", Kind: validation.KindNumber, Required: true},
				{Name: "address", Kind: validation.KindString, Required: true},
				{Name: "city", Kind: validation.KindString, Required: true},
				{Name: "bedrooms", Kind: validation.KindInteger},
				{Name: "bathrooms", Kind: validation.KindInteger},
				{Name: "area_sqm", Kind: validation.KindNumber},
				{Name: "status", Kind: validation.KindString},
				{Name: "images", Kind: validation.KindStringList},
				{Name: "employee_id", Kind: validation.KindUUID},
				{Name: "agent_id", Kind: validation.KindUUID},
			},
			Rules: []validation.Rule{
				{Field: "listing_type", Expr: `r.listing_type in ['sale', 'rent']`, Message: "must be one of sale, rent"},
				{Field: "price", Expr: `r.price > 0.0`, Message: "must be greater than 0"},
				{Field: "bedrooms", Expr: `!has(r.bedrooms) || r.bedrooms >= 0.0`, Message: "must not be negative"},
				{Field: "bathrooms", Expr: `!has(r.bathrooms) || r.bathrooms >= 0.0`, Message: "must not be negative"},
				{Field: "area_sqm", Expr: `!has(r.area_sqm) || r.area_sqm > 0.0`, Message: "must be greater than 0"},
				{Field: "status", Expr: `!has(r.status) || r.status in ['available', 'sold', 'rented']`, Message: "must be one of available, sold, rented"},
			},
		},
		{
			Type: string(ResourceBanner),
			Fields: []validation.FieldSpec{
				{Name: "image_url", Kind: validation.KindString, Required: true},
				{Name: "title", Kind: validation.KindString, Required: true},
				{Name: "subtitle", Kind: validation.KindString, Required: true},
				{Name: "link_url", Kind: validation.KindString},
				{Name: "active", Kind: validation.KindBool},
				{Name: "position", Kind: validation.KindInteger},
			},
			Rules: []validation.Rule{
				{Field: "image_url", Expr: `r.image_url.matches('^https?://[^\\s]+$')`, Message: "must be an http(s) URL"},
				{Field: "link_url", Expr: `!has(r.link_url) || r.link_url.matches('^https?://[^\\s]+$')`, Message: "must be an http(s) URL"},
				{Field: "position", Expr: `!has(r.position) || r.position >= 0.0`, Message: "must not be negative"},
			},
		},
	}
}

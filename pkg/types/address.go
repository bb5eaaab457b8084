package types

import (
	"strings"

	pkgerrors "github.com/orchardlane/storefront-backend/pkg/errors"
)

// Address is the delivery snapshot embedded on an order. It is denormalized
// at checkout time; later edits to the customer's address book never touch a
// placed order.
type Address struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Street   string `json:"street"`
	City     string `json:"city"`
	State    string `json:"state"`
	Country  string `json:"country"`
	Pincode  string `json:"pincode"`
	Landmark string `json:"landmark,omitempty"`
}

// Normalize trims whitespace and applies the country default.
func (a Address) Normalize() Address {
	a.FullName = strings.TrimSpace(a.FullName)
	a.Phone = strings.TrimSpace(a.Phone)
	a.Street = strings.TrimSpace(a.Street)
	a.City = strings.TrimSpace(a.City)
	a.State = strings.TrimSpace(a.State)
	a.Country = strings.TrimSpace(a.Country)
	a.Pincode = strings.TrimSpace(a.Pincode)
	a.Landmark = strings.TrimSpace(a.Landmark)
	if a.Country == "" {
		a.Country = "India"
	}
	return a
}

// Validate rejects an incomplete delivery address.
func (a Address) Validate() error {
	missing := []string{}
	if strings.TrimSpace(a.FullName) == "" {
		missing = append(missing, "full_name")
	}
	if strings.TrimSpace(a.Phone) == "" {
		missing = append(missing, "phone")
	}
	if strings.TrimSpace(a.Street) == "" {
		missing = append(missing, "street")
	}
	if strings.TrimSpace(a.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(a.State) == "" {
		missing = append(missing, "state")
	}
	if strings.TrimSpace(a.Pincode) == "" {
		missing = append(missing, "pincode")
	}
	if len(missing) > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "incomplete delivery address").
			WithDetails(map[string]any{"missing": missing})
	}
	return nil
}

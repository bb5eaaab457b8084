package products

import (
	"time"

	"github.com/google/uuid"

	"github.com/orchardlane/storefront-backend/pkg/db/models"
	"github.com/orchardlane/storefront-backend/pkg/money"
)

// ProductDTO is the catalog view returned to clients. InStock is derived so
// the raw reserved counter stays internal.
type ProductDTO struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	ImageURL    *string   `json:"image_url,omitempty"`
	PriceMinor  int64     `json:"price_minor"`
	Price       string    `json:"price"`
	InStock     bool      `json:"in_stock"`
	Featured    bool      `json:"featured"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AdminProductDTO extends the catalog view with stock counters.
type AdminProductDTO struct {
	ProductDTO
	AvailableQty int `json:"available_qty"`
	ReservedQty  int `json:"reserved_qty"`
}

// ProductList wraps a catalog page plus the next cursor.
type ProductList struct {
	Products   []ProductDTO `json:"products"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// CreateProductInput carries the fields accepted when adding a product.
type CreateProductInput struct {
	Name         string  `json:"name" validate:"required,min=2,max=200"`
	Description  string  `json:"description" validate:"max=5000"`
	Category     string  `json:"category" validate:"max=100"`
	ImageURL     *string `json:"image_url" validate:"omitempty,url"`
	PriceMinor   int64   `json:"price_minor" validate:"required,gt=0"`
	AvailableQty int     `json:"available_qty" validate:"gte=0"`
	Featured     bool    `json:"featured"`
}

// UpdateProductInput carries optional updates; nil fields are left untouched.
type UpdateProductInput struct {
	Name        *string `json:"name" validate:"omitempty,min=2,max=200"`
	Description *string `json:"description" validate:"omitempty,max=5000"`
	Category    *string `json:"category" validate:"omitempty,max=100"`
	ImageURL    *string `json:"image_url" validate:"omitempty,url"`
	PriceMinor  *int64  `json:"price_minor" validate:"omitempty,gt=0"`
	Featured    *bool   `json:"featured"`
}

func (in CreateProductInput) toModel() *models.Product {
	return &models.Product{
		Name:         in.Name,
		Description:  in.Description,
		Category:     in.Category,
		ImageURL:     in.ImageURL,
		PriceMinor:   in.PriceMinor,
		AvailableQty: in.AvailableQty,
		Featured:     in.Featured,
	}
}

func toDTO(product *models.Product) ProductDTO {
	return ProductDTO{
		ID:          product.ID,
		Name:        product.Name,
		Description: product.Description,
		Category:    product.Category,
		ImageURL:    product.ImageURL,
		PriceMinor:  product.PriceMinor,
		Price:       money.FromMinor(product.PriceMinor).StringFixed(2),
		InStock:     product.AvailableQty > 0,
		Featured:    product.Featured,
		CreatedAt:   product.CreatedAt,
		UpdatedAt:   product.UpdatedAt,
	}
}

func toAdminDTO(product *models.Product) AdminProductDTO {
	return AdminProductDTO{
		ProductDTO:   toDTO(product),
		AvailableQty: product.AvailableQty,
		ReservedQty:  product.ReservedQty,
	}
}

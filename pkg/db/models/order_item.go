package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderItem is a priced line captured at order time.
type OrderItem struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	OrderID   uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`
	ProductID uuid.UUID `gorm:"column:product_id;type:uuid;not null"`

	Name           string  `gorm:"column:name;not null"`
	UnitPriceMinor int64   `gorm:"column:unit_price_minor;not null"`
	Qty            int     `gorm:"column:qty;not null"`
	TotalMinor     int64   `gorm:"column:total_minor;not null"`
	Size           *string `gorm:"column:size"`
	Color          *string `gorm:"column:color"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (i *OrderItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Coupon is a per-user percentage discount. A coupon is single-use: finalize
// deactivates it inside the same transaction that marks the order paid.
type Coupon struct {
	ID                 uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	Code               string     `gorm:"column:code;not null;index"`
	UserID             uuid.UUID  `gorm:"column:user_id;type:uuid;not null;index"`
	DiscountPercentage int        `gorm:"column:discount_percentage;not null"`
	Active             bool       `gorm:"column:active;not null;default:true"`
	ExpiresAt          *time.Time `gorm:"column:expires_at"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *Coupon) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

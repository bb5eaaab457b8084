package addresses

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchardlane/storefront-backend/pkg/db/models"
	pkgerrors "github.com/orchardlane/storefront-backend/pkg/errors"
	"github.com/orchardlane/storefront-backend/pkg/types"
)

const maxAddressesPerUser = 10

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// AddressDTO is the address book entry returned to clients.
type AddressDTO struct {
	ID        uuid.UUID `json:"id"`
	FullName  string    `json:"full_name"`
	Phone     string    `json:"phone"`
	Street    string    `json:"street"`
	City      string    `json:"city"`
	State     string    `json:"state"`
	Country   string    `json:"country"`
	Pincode   string    `json:"pincode"`
	Landmark  string    `json:"landmark,omitempty"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertAddressInput carries an address create or update request.
type UpsertAddressInput struct {
	FullName  string `json:"full_name" validate:"required,max=120"`
	Phone     string `json:"phone" validate:"required,max=20"`
	Street    string `json:"street" validate:"required,max=255"`
	City      string `json:"city" validate:"required,max=100"`
	State     string `json:"state" validate:"required,max=100"`
	Country   string `json:"country" validate:"omitempty,max=100"`
	Pincode   string `json:"pincode" validate:"required,max=12"`
	Landmark  string `json:"landmark" validate:"omitempty,max=255"`
	IsDefault bool   `json:"is_default"`
}

// Service manages a customer's saved delivery addresses.
type Service interface {
	Create(ctx context.Context, userID uuid.UUID, input UpsertAddressInput) (*AddressDTO, error)
	Update(ctx context.Context, userID, addressID uuid.UUID, input UpsertAddressInput) (*AddressDTO, error)
	Delete(ctx context.Context, userID, addressID uuid.UUID) error
	SetDefault(ctx context.Context, userID, addressID uuid.UUID) (*AddressDTO, error)
	List(ctx context.Context, userID uuid.UUID) ([]AddressDTO, error)
	Get(ctx context.Context, userID, addressID uuid.UUID) (*AddressDTO, error)
}

type service struct {
	tx txRunner
	db *gorm.DB
}

// NewService builds the address book service.
func NewService(tx txRunner, db *gorm.DB) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if db == nil {
		return nil, fmt.Errorf("db handle required")
	}
	return &service{tx: tx, db: db}, nil
}

func (s *service) Create(ctx context.Context, userID uuid.UUID, input UpsertAddressInput) (*AddressDTO, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if err := validateSnapshot(input); err != nil {
		return nil, err
	}

	var created *models.UserAddress
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.UserAddress{}).
			Where("user_id = ?", userID).
			Count(&count).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count addresses")
		}
		if count >= maxAddressesPerUser {
			return pkgerrors.New(pkgerrors.CodeValidation, "address book is full").
				WithDetails(map[string]any{"max": maxAddressesPerUser})
		}

		address := toModel(userID, input)
		// The first saved address becomes the default automatically.
		if count == 0 {
			address.IsDefault = true
		}
		if address.IsDefault {
			if err := clearDefault(tx, userID); err != nil {
				return err
			}
		}
		if err := tx.Create(address).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create address")
		}
		created = address
		return nil
	})
	if err != nil {
		return nil, err
	}
	dto := toDTO(created)
	return &dto, nil
}

func (s *service) Update(ctx context.Context, userID, addressID uuid.UUID, input UpsertAddressInput) (*AddressDTO, error) {
	if err := validateSnapshot(input); err != nil {
		return nil, err
	}

	var updated *models.UserAddress
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		address, err := findOwned(tx, userID, addressID)
		if err != nil {
			return err
		}
		if input.IsDefault && !address.IsDefault {
			if err := clearDefault(tx, userID); err != nil {
				return err
			}
		}
		address.FullName = input.FullName
		address.Phone = input.Phone
		address.Street = input.Street
		address.City = input.City
		address.State = input.State
		address.Country = defaultCountry(input.Country)
		address.Pincode = input.Pincode
		address.Landmark = input.Landmark
		address.IsDefault = address.IsDefault || input.IsDefault
		if err := tx.Save(address).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update address")
		}
		updated = address
		return nil
	})
	if err != nil {
		return nil, err
	}
	dto := toDTO(updated)
	return &dto, nil
}

func (s *service) Delete(ctx context.Context, userID, addressID uuid.UUID) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		address, err := findOwned(tx, userID, addressID)
		if err != nil {
			return err
		}
		if err := tx.Delete(address).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete address")
		}
		// Promote the newest remaining entry when the default is removed.
		if address.IsDefault {
			var next models.UserAddress
			err := tx.Where("user_id = ?", userID).
				Order("created_at DESC").
				First(&next).Error
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find replacement default")
			}
			if err := tx.Model(&next).Update("is_default", true).Error; err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "promote default")
			}
		}
		return nil
	})
}

func (s *service) SetDefault(ctx context.Context, userID, addressID uuid.UUID) (*AddressDTO, error) {
	var updated *models.UserAddress
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		address, err := findOwned(tx, userID, addressID)
		if err != nil {
			return err
		}
		if !address.IsDefault {
			if err := clearDefault(tx, userID); err != nil {
				return err
			}
			if err := tx.Model(address).Update("is_default", true).Error; err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set default address")
			}
			address.IsDefault = true
		}
		updated = address
		return nil
	})
	if err != nil {
		return nil, err
	}
	dto := toDTO(updated)
	return &dto, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]AddressDTO, error) {
	var rows []models.UserAddress
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("is_default DESC, created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list addresses")
	}
	dtos := make([]AddressDTO, len(rows))
	for i := range rows {
		dtos[i] = toDTO(&rows[i])
	}
	return dtos, nil
}

func (s *service) Get(ctx context.Context, userID, addressID uuid.UUID) (*AddressDTO, error) {
	address, err := findOwned(s.db.WithContext(ctx), userID, addressID)
	if err != nil {
		return nil, err
	}
	dto := toDTO(address)
	return &dto, nil
}

func findOwned(tx *gorm.DB, userID, addressID uuid.UUID) (*models.UserAddress, error) {
	var address models.UserAddress
	err := tx.Where("id = ? AND user_id = ?", addressID, userID).First(&address).Error
	if err == gorm.ErrRecordNotFound {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "address not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load address")
	}
	return &address, nil
}

func clearDefault(tx *gorm.DB, userID uuid.UUID) error {
	err := tx.Model(&models.UserAddress{}).
		Where("user_id = ? AND is_default = ?", userID, true).
		Update("is_default", false).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear default address")
	}
	return nil
}

func defaultCountry(country string) string {
	if country == "" {
		return "India"
	}
	return country
}

func toModel(userID uuid.UUID, input UpsertAddressInput) *models.UserAddress {
	return &models.UserAddress{
		UserID:    userID,
		FullName:  input.FullName,
		Phone:     input.Phone,
		Street:    input.Street,
		City:      input.City,
		State:     input.State,
		Country:   defaultCountry(input.Country),
		Pincode:   input.Pincode,
		Landmark:  input.Landmark,
		IsDefault: input.IsDefault,
	}
}

func toDTO(address *models.UserAddress) AddressDTO {
	return AddressDTO{
		ID:        address.ID,
		FullName:  address.FullName,
		Phone:     address.Phone,
		Street:    address.Street,
		City:      address.City,
		State:     address.State,
		Country:   address.Country,
		Pincode:   address.Pincode,
		Landmark:  address.Landmark,
		IsDefault: address.IsDefault,
		CreatedAt: address.CreatedAt,
		UpdatedAt: address.UpdatedAt,
	}
}

// validateSnapshot reuses the order snapshot rules so a saved address is
// always usable at checkout.
func validateSnapshot(input UpsertAddressInput) error {
	snapshot := types.Address{
		FullName: input.FullName,
		Phone:    input.Phone,
		Street:   input.Street,
		City:     input.City,
		State:    input.State,
		Country:  input.Country,
		Pincode:  input.Pincode,
		Landmark: input.Landmark,
	}
	return snapshot.Normalize().Validate()
}

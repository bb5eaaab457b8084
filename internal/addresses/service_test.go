package addresses

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/orchardlane/storefront-backend/pkg/db/models"
	pkgerrors "github.com/orchardlane/storefront-backend/pkg/errors"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func setupAddressService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()

	dsn := "file:addresses_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.UserAddress{}))

	svc, err := NewService(gormTxRunner{db: db}, db)
	require.NoError(t, err)
	return svc, db
}

func addressInput(city string) UpsertAddressInput {
	return UpsertAddressInput{
		FullName: "Asha Nair",
		Phone:    "+919812345678",
		Street:   "14 Harbour Road",
		City:     city,
		State:    "Kerala",
		Pincode:  "682001",
	}
}

func TestCreateFirstAddressBecomesDefault(t *testing.T) {
	svc, _ := setupAddressService(t)
	userID := uuid.New()

	first, err := svc.Create(context.Background(), userID, addressInput("Kochi"))
	require.NoError(t, err)
	assert.True(t, first.IsDefault)
	assert.Equal(t, "India", first.Country)

	second, err := svc.Create(context.Background(), userID, addressInput("Chennai"))
	require.NoError(t, err)
	assert.False(t, second.IsDefault)
}

func TestCreateDefaultDisplacesPrevious(t *testing.T) {
	svc, _ := setupAddressService(t)
	userID := uuid.New()

	first, err := svc.Create(context.Background(), userID, addressInput("Kochi"))
	require.NoError(t, err)

	input := addressInput("Chennai")
	input.IsDefault = true
	second, err := svc.Create(context.Background(), userID, input)
	require.NoError(t, err)
	assert.True(t, second.IsDefault)

	reloaded, err := svc.Get(context.Background(), userID, first.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsDefault)
}

func TestCreateRejectsIncompleteAddress(t *testing.T) {
	svc, _ := setupAddressService(t)

	input := addressInput("")
	_, err := svc.Create(context.Background(), uuid.New(), input)
	require.Error(t, err)

	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.CodeValidation, appErr.Code())
}

func TestUpdateOtherUsersAddressIsNotFound(t *testing.T) {
	svc, _ := setupAddressService(t)
	owner := uuid.New()

	created, err := svc.Create(context.Background(), owner, addressInput("Kochi"))
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), uuid.New(), created.ID, addressInput("Chennai"))
	require.Error(t, err)

	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.CodeNotFound, appErr.Code())
}

func TestDeleteDefaultPromotesRemaining(t *testing.T) {
	svc, _ := setupAddressService(t)
	userID := uuid.New()

	first, err := svc.Create(context.Background(), userID, addressInput("Kochi"))
	require.NoError(t, err)
	second, err := svc.Create(context.Background(), userID, addressInput("Chennai"))
	require.NoError(t, err)
	require.False(t, second.IsDefault)

	require.NoError(t, svc.Delete(context.Background(), userID, first.ID))

	promoted, err := svc.Get(context.Background(), userID, second.ID)
	require.NoError(t, err)
	assert.True(t, promoted.IsDefault)
}

func TestListOrdersDefaultFirst(t *testing.T) {
	svc, _ := setupAddressService(t)
	userID := uuid.New()

	_, err := svc.Create(context.Background(), userID, addressInput("Kochi"))
	require.NoError(t, err)

	input := addressInput("Chennai")
	input.IsDefault = true
	def, err := svc.Create(context.Background(), userID, input)
	require.NoError(t, err)

	list, err := svc.List(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, def.ID, list[0].ID)
	assert.True(t, list[0].IsDefault)
}

func TestCreateEnforcesBookLimit(t *testing.T) {
	svc, _ := setupAddressService(t)
	userID := uuid.New()

	for i := 0; i < maxAddressesPerUser; i++ {
		_, err := svc.Create(context.Background(), userID, addressInput("Kochi"))
		require.NoError(t, err)
	}

	_, err := svc.Create(context.Background(), userID, addressInput("Chennai"))
	require.Error(t, err)

	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.CodeValidation, appErr.Code())
}

package contact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchardlane/storefront-backend/pkg/db/models"
	pkgerrors "github.com/orchardlane/storefront-backend/pkg/errors"
	"github.com/orchardlane/storefront-backend/pkg/logger"
	"github.com/orchardlane/storefront-backend/pkg/pagination"
)

// MessageInput is a customer support inquiry.
type MessageInput struct {
	Subject string `json:"subject" validate:"omitempty,max=200"`
	Message string `json:"message" validate:"required,max=5000"`
}

// MessageDTO is the stored inquiry returned from listings.
type MessageDTO struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Subject   string    `json:"subject,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageList wraps a page of inquiries.
type MessageList struct {
	Messages   []MessageDTO `json:"messages"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// Service records and lists support messages.
type Service interface {
	Submit(ctx context.Context, userID uuid.UUID, input MessageInput) (*MessageDTO, error)
	ListMine(ctx context.Context, userID uuid.UUID, params pagination.Params) (*MessageList, error)
	ListAll(ctx context.Context, params pagination.Params) (*MessageList, error)
}

type service struct {
	db   *gorm.DB
	logg *logger.Logger
}

// NewService builds the contact service.
func NewService(db *gorm.DB, logg *logger.Logger) (Service, error) {
	if db == nil {
		return nil, fmt.Errorf("db handle required")
	}
	return &service{db: db, logg: logg}, nil
}

func (s *service) Submit(ctx context.Context, userID uuid.UUID, input MessageInput) (*MessageDTO, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "message body required")
	}

	row := &models.ContactMessage{
		UserID:  userID,
		Subject: strings.TrimSpace(input.Subject),
		Message: message,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store contact message")
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "contact_message_id", row.ID.String()), "contact message received")
	}
	dto := toDTO(row)
	return &dto, nil
}

func (s *service) ListMine(ctx context.Context, userID uuid.UUID, params pagination.Params) (*MessageList, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	return s.listPage(ctx, &userID, params)
}

func (s *service) ListAll(ctx context.Context, params pagination.Params) (*MessageList, error) {
	return s.listPage(ctx, nil, params)
}

func (s *service) listPage(ctx context.Context, userID *uuid.UUID, params pagination.Params) (*MessageList, error) {
	limit := pagination.NormalizeLimit(params.Limit)

	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	query := s.db.WithContext(ctx).Model(&models.ContactMessage{})
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}
	if cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}

	var rows []models.ContactMessage
	err = query.
		Order("created_at DESC, id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list contact messages")
	}

	var nextCursor string
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		nextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	dtos := make([]MessageDTO, len(rows))
	for i := range rows {
		dtos[i] = toDTO(&rows[i])
	}
	return &MessageList{Messages: dtos, NextCursor: nextCursor}, nil
}

func toDTO(row *models.ContactMessage) MessageDTO {
	return MessageDTO{
		ID:        row.ID,
		UserID:    row.UserID,
		Subject:   row.Subject,
		Message:   row.Message,
		CreatedAt: row.CreatedAt,
	}
}

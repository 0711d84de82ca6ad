//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-backed token storage for tokenkeeper.
// It supports any database that GORM supports (PostgreSQL, MySQL, SQLite, etc.)
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	_ = gormstore.AutoMigrate(db)
//	storage := gormstore.NewStorage(db, "device-42")
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionValueModel is the GORM model for one persisted value
type SessionValueModel struct {
	Owner     string `gorm:"primaryKey;size:255"`
	Name      string `gorm:"primaryKey;size:255"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (SessionValueModel) TableName() string {
	return "tokenkeeper_session_values"
}

// AutoMigrate creates or updates the storage table
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SessionValueModel{})
}

// Storage scopes its rows by owner so several clients can share a table
type Storage struct {
	db    *gorm.DB
	owner string
}

func NewStorage(db *gorm.DB, owner string) *Storage {
	return &Storage{db: db, owner: owner}
}

// Load implements tokenkeeper.Storage
func (s *Storage) Load(ctx context.Context, key string) (string, error) {
	var model SessionValueModel
	err := s.db.WithContext(ctx).First(&model, "owner = ? AND name = ?", s.owner, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %w", key, err)
	}
	return model.Value, nil
}

// Save implements tokenkeeper.Storage
func (s *Storage) Save(ctx context.Context, key, value string) error {
	model := &SessionValueModel{Owner: s.owner, Name: key, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(model).Error
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Delete implements tokenkeeper.Storage
func (s *Storage) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("owner = ? AND name = ?", s.owner, key).Delete(&SessionValueModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

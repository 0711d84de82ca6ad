//go:build !wasm

package gorm

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}
	return db
}

func TestStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStorage(newTestDB(t), "device-1")

	if v, err := s.Load(ctx, "accessToken"); err != nil || v != "" {
		t.Fatalf("Load() on empty = %q, %v", v, err)
	}

	if err := s.Save(ctx, "accessToken", "tok-1"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, "accessToken", "tok-2"); err != nil {
		t.Fatalf("Save() overwrite error = %v", err)
	}
	if v, _ := s.Load(ctx, "accessToken"); v != "tok-2" {
		t.Errorf("Load() = %q, want tok-2", v)
	}

	if err := s.Delete(ctx, "accessToken"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if v, _ := s.Load(ctx, "accessToken"); v != "" {
		t.Errorf("Load() after delete = %q, want empty", v)
	}
}

func TestStorage_OwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	a := NewStorage(db, "device-a")
	b := NewStorage(db, "device-b")

	a.Save(ctx, "accessToken", "tok-a")
	b.Save(ctx, "accessToken", "tok-b")

	if v, _ := a.Load(ctx, "accessToken"); v != "tok-a" {
		t.Errorf("device-a Load() = %q", v)
	}
	b.Delete(ctx, "accessToken")
	if v, _ := a.Load(ctx, "accessToken"); v != "tok-a" {
		t.Error("deleting device-b's token should not touch device-a")
	}

	var count int64
	db.Model(&SessionValueModel{}).Count(&count)
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}
}

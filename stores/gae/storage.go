//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore token storage for tokenkeeper.
// All values support Datastore namespaces for multi-tenant applications.
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	storage := gae.NewStorage(client, "tenant-123", "device-42")
package gae

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
)

// KindSessionValue is the Datastore kind used for stored values
const KindSessionValue = "TokenkeeperSessionValue"

// SessionValueEntity is the Datastore entity for one value.
// Key name format: owner + ":" + key
type SessionValueEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	Owner     string         `datastore:"owner"`
	Value     string         `datastore:"value,noindex"`
	UpdatedAt time.Time      `datastore:"updated_at"`
}

// Storage implements tokenkeeper.Storage on Cloud Datastore
type Storage struct {
	client    *datastore.Client
	namespace string
	owner     string
}

func NewStorage(client *datastore.Client, namespace, owner string) *Storage {
	return &Storage{client: client, namespace: namespace, owner: owner}
}

func (s *Storage) namespacedKey(key string) *datastore.Key {
	k := datastore.NameKey(KindSessionValue, s.owner+":"+key, nil)
	k.Namespace = s.namespace
	return k
}

// Load implements tokenkeeper.Storage
func (s *Storage) Load(ctx context.Context, key string) (string, error) {
	var entity SessionValueEntity
	if err := s.client.Get(ctx, s.namespacedKey(key), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load %s: %w", key, err)
	}
	return entity.Value, nil
}

// Save implements tokenkeeper.Storage
func (s *Storage) Save(ctx context.Context, key, value string) error {
	entity := &SessionValueEntity{
		Owner:     s.owner,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	if _, err := s.client.Put(ctx, s.namespacedKey(key), entity); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Delete implements tokenkeeper.Storage. Datastore deletes of missing keys succeed.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.client.Delete(ctx, s.namespacedKey(key)); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

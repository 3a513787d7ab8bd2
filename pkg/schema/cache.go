// Package schema caches entity-definition metadata (the definition row and
// its fields) for the request paths of the records engine.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/models"
)

// DefaultTTL is how long an entry is served before it is re-read.
const DefaultTTL = 5 * time.Minute

// Loader reads definitions and fields from the backing store.
// repositories.EntityDefinitionRepository satisfies it.
type Loader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.EntityDefinition, error)
	GetFields(ctx context.Context, entityDefinitionID uuid.UUID) ([]*models.Field, error)
}

// Entry is the cached metadata of one entity definition.
type Entry struct {
	Definition *models.EntityDefinition `json:"definition"`
	Fields     []*models.Field          `json:"fields"`
}

// Index builds lookup tables over the entry's fields.
func (e *Entry) Index() *FieldIndex {
	return NewFieldIndex(e.Fields)
}

// Cache is a TTL cache of Entry values keyed by entity-definition id.
// Concurrent misses for the same id may each load from the store; the last
// write wins.
type Cache struct {
	loader Loader
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache creates a cache over loader. A nil store uses a MemoryStore and a
// non-positive ttl uses DefaultTTL.
func NewCache(loader Loader, store Store, ttl time.Duration, logger *zap.Logger) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		loader: loader,
		store:  store,
		ttl:    ttl,
		logger: logger.Named("schema-cache"),
	}
}

func entryKey(id uuid.UUID) string {
	return "entity:" + id.String()
}

// Entry returns the metadata for id, loading it on a miss or when
// forceRefresh is set.
func (c *Cache) Entry(ctx context.Context, id uuid.UUID, forceRefresh bool) (*Entry, error) {
	if !forceRefresh {
		if entry, ok := c.lookup(ctx, id); ok {
			return entry, nil
		}
	}
	return c.load(ctx, id)
}

// Fields returns the fields of entity definition id.
func (c *Cache) Fields(ctx context.Context, id uuid.UUID, forceRefresh bool) ([]*models.Field, error) {
	entry, err := c.Entry(ctx, id, forceRefresh)
	if err != nil {
		return nil, err
	}
	return entry.Fields, nil
}

// Definition returns entity definition id.
func (c *Cache) Definition(ctx context.Context, id uuid.UUID, forceRefresh bool) (*models.EntityDefinition, error) {
	entry, err := c.Entry(ctx, id, forceRefresh)
	if err != nil {
		return nil, err
	}
	return entry.Definition, nil
}

// Refresh re-reads id from the loader and replaces the cached entry.
func (c *Cache) Refresh(ctx context.Context, id uuid.UUID) error {
	_, err := c.load(ctx, id)
	return err
}

// Invalidate drops the entry for id.
func (c *Cache) Invalidate(ctx context.Context, id uuid.UUID) error {
	if err := c.store.Delete(ctx, entryKey(id)); err != nil {
		return fmt.Errorf("failed to invalidate schema cache entry: %w", err)
	}
	return nil
}

// Clear drops every entry.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear schema cache: %w", err)
	}
	return nil
}

func (c *Cache) lookup(ctx context.Context, id uuid.UUID) (*Entry, bool) {
	raw, err := c.store.Get(ctx, entryKey(id))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("Schema cache read failed, loading from store",
				zap.String("entity_definition_id", id.String()),
				zap.Error(err))
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("Discarding undecodable schema cache entry",
			zap.String("entity_definition_id", id.String()),
			zap.Error(err))
		return nil, false
	}
	return &entry, true
}

func (c *Cache) load(ctx context.Context, id uuid.UUID) (*Entry, error) {
	def, err := c.loader.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	fields, err := c.loader.GetFields(ctx, id)
	if err != nil {
		return nil, err
	}

	entry := &Entry{Definition: def, Fields: fields}

	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema cache entry: %w", err)
	}
	if err := c.store.Set(ctx, entryKey(id), raw, c.ttl); err != nil {
		c.logger.Warn("Schema cache write failed",
			zap.String("entity_definition_id", id.String()),
			zap.Error(err))
	}

	c.logger.Debug("Loaded entity definition",
		zap.String("entity_definition_id", id.String()),
		zap.Int("field_count", len(fields)))
	return entry, nil
}

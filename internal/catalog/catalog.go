package catalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/girderhq/girder/internal/store"
	"github.com/girderhq/girder/internal/validation"
	"github.com/girderhq/girder/pkg/schema"
)

// Catalog is the registry of immutable workflow schemas. Registration runs
// the full validation pipeline, so anything the catalog returns is safe to
// execute without re-checking.
type Catalog struct {
	store     store.Store
	validator *validation.Validator
	logger    *slog.Logger
}

// New creates a Catalog.
func New(s store.Store, v *validation.Validator, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: s, validator: v, logger: logger}
}

// Register validates and persists a new schema version. A key+version pair
// that already exists is rejected; republishing requires bumping the version.
func (c *Catalog) Register(ctx context.Context, ws *schema.WorkflowSchema) (*store.SchemaRecord, error) {
	if ws == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow schema is nil")
	}

	result := c.validator.ValidateSchema(ws)
	for _, w := range result.Warnings {
		c.logger.Warn("schema validation warning",
			"schema", ws.QualifiedKey(), "path", w.Path, "message", w.Message)
	}
	if err := result.ToError(schema.ErrCodeSchemaInvalid); err != nil {
		return nil, err
	}

	rec := &store.SchemaRecord{
		Key:          ws.Key,
		Version:      ws.Version,
		Definition:   *ws,
		RegisteredAt: time.Now().UTC(),
	}
	if err := c.store.PutSchema(ctx, rec); err != nil {
		return nil, err
	}

	c.logger.Info("schema registered",
		"schema", ws.QualifiedKey(), "steps", len(ws.Steps), "risk_rules", len(ws.RiskRules))
	return rec, nil
}

// Get returns a specific schema version.
func (c *Catalog) Get(ctx context.Context, key string, version int) (*schema.WorkflowSchema, error) {
	rec, err := c.store.GetSchema(ctx, key, version)
	if err != nil {
		return nil, err
	}
	return &rec.Definition, nil
}

// Latest returns the highest registered version for a key.
func (c *Catalog) Latest(ctx context.Context, key string) (*schema.WorkflowSchema, error) {
	rec, err := c.store.LatestSchema(ctx, key)
	if err != nil {
		return nil, err
	}
	return &rec.Definition, nil
}

// Resolve returns version if nonzero, otherwise the latest for key.
func (c *Catalog) Resolve(ctx context.Context, key string, version int) (*schema.WorkflowSchema, error) {
	if version > 0 {
		return c.Get(ctx, key, version)
	}
	return c.Latest(ctx, key)
}

// List returns registered schema records, optionally filtered by key.
func (c *Catalog) List(ctx context.Context, key string, limit int) ([]*store.SchemaRecord, error) {
	return c.store.ListSchemas(ctx, store.SchemaFilter{Key: key, Limit: limit})
}

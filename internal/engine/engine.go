// Package engine wires the process-scoped reconciliation service: persistent
// state, archive session, the item and protocol stores, the sync and organize
// runners, and the export worker. One Engine per process.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"slidewrangler/internal/archive"
	"slidewrangler/internal/auth"
	"slidewrangler/internal/blob"
	"slidewrangler/internal/export"
	"slidewrangler/internal/extract"
	"slidewrangler/internal/organize"
	"slidewrangler/internal/protocol"
	"slidewrangler/internal/reconcile"
	"slidewrangler/internal/state"
	syncengine "slidewrangler/internal/sync"
)

// TokenSetter is implemented by archive clients that carry a session token.
type TokenSetter interface {
	SetToken(token string)
}

// Config assembles an Engine. Nil fields fall back to the environment-driven
// factories (state.Open, blob.Open); Archive is required.
type Config struct {
	KV      state.KV
	Archive archive.Client
	Blobs   blob.Store
	Metrics reconcile.MetricsRecorder
	Tracer  reconcile.Tracer
	Audit   export.AuditLogger
}

// Engine owns every store and runner for one process.
type Engine struct {
	kv      state.KV
	client  archive.Client
	ownsKV  bool
	metrics reconcile.MetricsRecorder

	auth      *auth.Store
	data      *reconcile.Store
	protocols *protocol.Store
	syncer    *syncengine.Engine
	organizer *organize.Pipeline
	exports   *export.Worker
}

// New restores persisted state and starts the export worker. The archive
// session, if one was persisted, is loaded onto the client but not validated;
// call ValidateSession once connectivity is expected.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Archive == nil {
		return nil, fmt.Errorf("engine: archive client required")
	}
	kv := cfg.KV
	ownsKV := false
	if kv == nil {
		opened, err := state.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		kv = opened
		ownsKV = true
	}
	blobs := cfg.Blobs
	if blobs == nil {
		opened, err := blob.Open(ctx)
		if err != nil {
			if ownsKV {
				_ = kv.Close()
			}
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		blobs = opened
	}

	e := &Engine{kv: kv, client: cfg.Archive, ownsKV: ownsKV, metrics: cfg.Metrics}

	var err error
	if e.auth, err = auth.NewStore(ctx, kv); err != nil {
		return nil, e.failOpen(err)
	}
	var dataOpts []reconcile.Option
	if cfg.Metrics != nil {
		dataOpts = append(dataOpts, reconcile.WithMetricsRecorder(cfg.Metrics))
	}
	if cfg.Tracer != nil {
		dataOpts = append(dataOpts, reconcile.WithTracer(cfg.Tracer))
	}
	if e.data, err = reconcile.NewStore(ctx, kv, dataOpts...); err != nil {
		return nil, e.failOpen(err)
	}
	if e.protocols, err = protocol.NewStore(ctx, kv); err != nil {
		return nil, e.failOpen(err)
	}

	var syncOpts []syncengine.Option
	var organizeOpts []organize.Option
	if cfg.Metrics != nil {
		syncOpts = append(syncOpts, syncengine.WithMetricsRecorder(cfg.Metrics))
		organizeOpts = append(organizeOpts, organize.WithMetricsRecorder(cfg.Metrics))
	}
	e.syncer = syncengine.New(e.data, cfg.Archive, syncOpts...)
	e.organizer = organize.New(e.data, cfg.Archive, organizeOpts...)

	e.exports = export.NewWorker(e.data, blobs, cfg.Audit)
	e.exports.Start()

	// Hand a persisted token to the client so the first request after a
	// restart is already authenticated.
	if session, ok := e.auth.Session(); ok {
		if setter, supported := cfg.Archive.(TokenSetter); supported {
			setter.SetToken(session.Token)
		}
	}
	return e, nil
}

func (e *Engine) failOpen(err error) error {
	if e.ownsKV {
		_ = e.kv.Close()
	}
	return err
}

// Auth returns the session store.
func (e *Engine) Auth() *auth.Store { return e.auth }

// Data returns the item table.
func (e *Engine) Data() *reconcile.Store { return e.data }

// Protocols returns the protocol store.
func (e *Engine) Protocols() *protocol.Store { return e.protocols }

// Sync returns the metadata sync runner.
func (e *Engine) Sync() *syncengine.Engine { return e.syncer }

// Organize returns the folder organize pipeline.
func (e *Engine) Organize() *organize.Pipeline { return e.organizer }

// Exports returns the table export worker.
func (e *Engine) Exports() *export.Worker { return e.exports }

// Archive returns the configured archive client.
func (e *Engine) Archive() archive.Client { return e.client }

// ValidateSession checks the persisted token against the archive. Auth
// rejections clear the stored session; auth.ErrNoSession means nobody has
// logged in yet.
func (e *Engine) ValidateSession(ctx context.Context) (archive.User, error) {
	return e.auth.Validate(ctx, e.client)
}

// PushViewerConfig uploads a small JSON configuration item for the slide
// viewer into the given archive folder.
func (e *Engine) PushViewerConfig(ctx context.Context, parentID, name string, cfg map[string]any) (archive.Item, error) {
	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return archive.Item{}, fmt.Errorf("encode viewer config: %w", err)
	}
	return e.client.UploadFile(ctx, parentID, name, payload, "application/json")
}

// SaveRegexRules validates and persists the filename extraction rules.
func (e *Engine) SaveRegexRules(ctx context.Context, rules extract.RuleSet) error {
	if err := rules.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encode regex rules: %w", err)
	}
	if err := e.kv.Put(ctx, state.KeyRegexRules, raw); err != nil {
		return fmt.Errorf("persist regex rules: %w", err)
	}
	return nil
}

// RegexRules returns the persisted extraction rules, nil when none are saved.
func (e *Engine) RegexRules(ctx context.Context) (extract.RuleSet, error) {
	raw, ok, err := e.kv.Get(ctx, state.KeyRegexRules)
	if err != nil || !ok {
		return nil, err
	}
	var rules extract.RuleSet
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode regex rules: %w", err)
	}
	return rules, nil
}

// SaveColumnMapping persists the raw-column to canonical-field mapping.
func (e *Engine) SaveColumnMapping(ctx context.Context, mapping extract.ColumnMapping) error {
	raw, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encode column mapping: %w", err)
	}
	if err := e.kv.Put(ctx, state.KeyColumnMapping, raw); err != nil {
		return fmt.Errorf("persist column mapping: %w", err)
	}
	return nil
}

// ColumnMapping returns the persisted mapping, nil when none is saved.
func (e *Engine) ColumnMapping(ctx context.Context) (extract.ColumnMapping, error) {
	raw, ok, err := e.kv.Get(ctx, state.KeyColumnMapping)
	if err != nil || !ok {
		return nil, err
	}
	var mapping extract.ColumnMapping
	if err := json.Unmarshal(raw, &mapping); err != nil {
		return nil, fmt.Errorf("decode column mapping: %w", err)
	}
	return mapping, nil
}

// Close stops the export worker and releases the state store when the engine
// opened it. Store contents are already persisted per mutation; there is no
// separate flush step.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.exports.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop export worker: %w", err))
	}
	if e.ownsKV {
		if err := e.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close state store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Package resource provisions and tears down the ephemeral resources of a
// run: a storage scope for uploaded artifacts and a database instance the
// job writes to.
//
// Acquire is all-or-nothing: when the database cannot be created, the
// storage scope that was already created is released before the error is
// returned. Release is best effort and idempotent; it reports problems but
// never aborts, because it runs on cleanup paths.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/localrunner/internal/condition"
	"github.com/roach88/localrunner/internal/runerr"
)

// Scope is a namespaced location inside an object-storage bucket.
type Scope struct {
	Scheme string // "s3" or "gs"
	Bucket string
	Prefix string // no leading or trailing slash
}

// URI returns the full URI of an artifact in the scope.
func (s Scope) URI(name string) string {
	return fmt.Sprintf("%s://%s/%s/%s", s.Scheme, s.Bucket, s.Prefix, name)
}

// Key returns the object key of an artifact in the scope.
func (s Scope) Key(name string) string {
	return s.Prefix + "/" + name
}

// TempLocation returns the bucket-level scratch location for jobs.
func (s Scope) TempLocation() string {
	return fmt.Sprintf("%s://%s/temp/", s.Scheme, s.Bucket)
}

// Database describes a provisioned database instance.
type Database struct {
	// InstanceID names the instance; it is the run id.
	InstanceID string

	// URI is the address jobs use to reach the instance.
	URI string

	// Name is the database inside the instance.
	Name string

	Username string
	Password string

	// Querier runs condition queries against the instance.
	Querier condition.Querier
}

// StorageProvisioner manages storage scopes.
type StorageProvisioner interface {
	CreateScope(ctx context.Context, runID string) (*Scope, error)
	WriteArtifact(ctx context.Context, scope *Scope, name string, content []byte) (string, error)
	DeleteScope(ctx context.Context, scope *Scope) error
}

// DatabaseProvisioner manages database instances.
type DatabaseProvisioner interface {
	Create(ctx context.Context, runID string) (*Database, error)
	Destroy(ctx context.Context, db *Database) error
}

// Set is the resources acquired for one run.
type Set struct {
	RunID    string
	Storage  *Scope
	Database *Database

	mu       sync.Mutex
	released bool
}

// Resources exposes the set to conditions.
func (s *Set) Resources() condition.Resources {
	if s == nil || s.Database == nil {
		return condition.Resources{}
	}
	return condition.Resources{Database: s.Database.Querier}
}

// Lifecycle acquires and releases resource sets.
type Lifecycle struct {
	storage  StorageProvisioner
	database DatabaseProvisioner
	ids      RunIDGenerator
	logger   *zap.Logger
}

// NewLifecycle creates a Lifecycle. A nil ids defaults to a
// TimestampGenerator.
func NewLifecycle(storage StorageProvisioner, database DatabaseProvisioner, ids RunIDGenerator, logger *zap.Logger) *Lifecycle {
	if ids == nil {
		ids = NewTimestampGenerator(DefaultRunIDPrefix)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{storage: storage, database: database, ids: ids, logger: logger}
}

// Acquire creates the storage scope and the database instance for a new run.
func (l *Lifecycle) Acquire(ctx context.Context) (*Set, error) {
	set := &Set{RunID: l.ids.Generate()}
	logger := l.logger.With(zap.String("run_id", set.RunID))

	scope, err := l.storage.CreateScope(ctx, set.RunID)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindProvisioning, "acquire", "unable to create storage scope", err).
			WithDetail("run_id", set.RunID)
	}
	set.Storage = scope
	logger.Info("storage scope created", zap.String("bucket", scope.Bucket), zap.String("prefix", scope.Prefix))

	db, err := l.database.Create(ctx, set.RunID)
	if err != nil {
		perr := runerr.Wrap(runerr.KindProvisioning, "acquire", "unable to create database instance", err).
			WithDetail("run_id", set.RunID)
		return nil, runerr.Attach(perr, l.Release(context.WithoutCancel(ctx), set))
	}
	set.Database = db
	logger.Info("database instance created", zap.String("uri", db.URI), zap.String("database", db.Name))

	return set, nil
}

// Upload writes an artifact into the set's storage scope and returns its URI.
func (l *Lifecycle) Upload(ctx context.Context, set *Set, name string, content []byte) (string, error) {
	if set == nil || set.Storage == nil {
		return "", runerr.New(runerr.KindUpload, "upload", "no storage scope to upload "+name+" to")
	}
	uri, err := l.storage.WriteArtifact(ctx, set.Storage, name, content)
	if err != nil {
		return "", runerr.Wrap(runerr.KindUpload, "upload", "unable to upload "+name, err)
	}
	l.logger.Info("artifact uploaded", zap.String("run_id", set.RunID), zap.String("uri", uri))
	return uri, nil
}

// Release tears down whatever the set holds. It is safe on nil, partially
// populated and already released sets; only the first call does any work.
// The returned error is a TeardownWarning for reporting only.
func (l *Lifecycle) Release(ctx context.Context, set *Set) error {
	if set == nil {
		return nil
	}
	set.mu.Lock()
	if set.released {
		set.mu.Unlock()
		return nil
	}
	set.released = true
	storage, db := set.Storage, set.Database
	set.mu.Unlock()

	logger := l.logger.With(zap.String("run_id", set.RunID))
	var errs []error

	if db != nil {
		if err := l.database.Destroy(ctx, db); err != nil {
			logger.Warn("failed to destroy database instance", zap.Error(err))
			errs = append(errs, fmt.Errorf("destroy database %s: %w", db.InstanceID, err))
		} else {
			logger.Info("database instance destroyed")
		}
	}
	if storage != nil {
		if err := l.storage.DeleteScope(ctx, storage); err != nil {
			logger.Warn("failed to delete storage scope", zap.Error(err))
			errs = append(errs, fmt.Errorf("delete storage scope %s: %w", storage.Prefix, err))
		} else {
			logger.Info("storage scope deleted")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return runerr.Wrap(runerr.KindTeardownWarning, "release", "resource cleanup incomplete", errors.Join(errs...)).
		WithDetail("run_id", set.RunID)
}

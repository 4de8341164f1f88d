package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/vango-dev/boardsync/internal/config"
	"github.com/vango-dev/boardsync/pkg/store"
)

// seeder is implemented by stores that can be populated with users, boards
// and grants.
type seeder interface {
	PutUser(ctx context.Context, u store.User) error
	CreateBoard(ctx context.Context, boardID, ownerID string) error
	Share(ctx context.Context, boardID string, c store.Collaborator) error
}

// memorySeeder adapts MemoryStore to seeder.
type memorySeeder struct {
	*store.MemoryStore
}

func (m memorySeeder) PutUser(_ context.Context, u store.User) error {
	m.MemoryStore.PutUser(u)
	return nil
}

func (m memorySeeder) CreateBoard(_ context.Context, boardID, ownerID string) error {
	m.MemoryStore.CreateBoard(boardID, ownerID)
	return nil
}

func (m memorySeeder) Share(_ context.Context, boardID string, c store.Collaborator) error {
	m.MemoryStore.Share(boardID, c)
	return nil
}

// backend is an opened store with the optional capabilities the CLI uses.
type backend struct {
	store.Backend

	driver  string
	seeder  seeder
	migrate func(ctx context.Context) error
	closers []func() error
}

// Close releases the store and any connection pool behind it.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openBackend opens the store selected by cfg.
func openBackend(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*backend, error) {
	if cfg.Driver != config.DriverS3 {
		return openStore(ctx, cfg.Driver, cfg.DSN, cfg.Database, cfg.TablePrefix, logger)
	}

	meta, err := openStore(ctx, metadataDriver(cfg.Metadata), cfg.Metadata.DSN, cfg.Metadata.Database, cfg.TablePrefix, logger)
	if err != nil {
		return nil, fmt.Errorf("metadata store: %w", err)
	}

	client := store.NewS3Client(store.S3ClientConfig{
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		UsePathStyle:    cfg.UsePathStyle,
	})
	scenes := store.NewS3Store(client, cfg.Bucket, cfg.Prefix)
	logger.Info("using s3 board storage", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "metadata", meta.driver)

	return &backend{
		Backend: store.Composite{
			BoardStore:    scenes,
			UserDirectory: meta,
			Authorizer:    meta,
		},
		driver:  config.DriverS3,
		seeder:  meta.seeder,
		migrate: meta.migrate,
		closers: append(meta.closers, scenes.Close),
	}, nil
}

func metadataDriver(m config.MetadataStore) string {
	if m.Driver == "" {
		return config.DriverMemory
	}
	return m.Driver
}

func openStore(ctx context.Context, driver, dsn, database, tablePrefix string, logger *slog.Logger) (*backend, error) {
	switch driver {
	case config.DriverMemory:
		ms := store.NewMemoryStore()
		return &backend{
			Backend: ms,
			driver:  driver,
			seeder:  memorySeeder{ms},
			closers: []func() error{ms.Close},
		}, nil

	case config.DriverSQLite, config.DriverPostgres, config.DriverMySQL:
		dialect, err := store.ParseDialect(driver)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driver, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect %s: %w", driver, err)
		}
		s := store.NewSQLStore(db, store.WithSQLDialect(dialect), store.WithSQLTablePrefix(tablePrefix))
		logger.Info("using sql storage", "driver", driver)
		return &backend{
			Backend: s,
			driver:  driver,
			seeder:  s,
			migrate: s.CreateTables,
			closers: []func() error{db.Close, s.Close},
		}, nil

	case config.DriverMongo:
		s, err := store.DialMongo(ctx, dsn, database)
		if err != nil {
			return nil, err
		}
		logger.Info("using mongo storage", "database", database)
		return &backend{
			Backend: s,
			driver:  driver,
			closers: []func() error{s.Close},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

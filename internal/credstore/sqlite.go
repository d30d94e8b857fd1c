package credstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/tonimelisma/icloud-go/internal/srp"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite persists sealed secrets in an SQLite database.
type SQLite struct {
	db     *sql.DB
	sealer *sealer
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at dbPath, applies
// migrations, and loads or creates the sealing key at keyPath.
func OpenSQLite(ctx context.Context, dbPath, keyPath string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), DirPerms); err != nil {
		return nil, fmt.Errorf("credstore: creating directory for %s: %w", dbPath, err)
	}

	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("credstore: open sqlite: %w", err)
	}

	// One writer; the store is small and accessed rarely.
	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("credential store ready", slog.String("path", dbPath))

	return &SQLite{db: db, sealer: &sealer{key: key}, logger: logger, now: time.Now}, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("credstore: %s: %w", p, err)
		}
	}

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("credstore: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("credstore: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("credstore: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load returns the unsealed secret, or nil if none is stored.
func (s *SQLite) Load(ctx context.Context, identifier string) ([]byte, error) {
	id := srp.NormalizeIdentifier(identifier)

	var sealed []byte

	err := s.db.QueryRowContext(ctx, "SELECT sealed FROM credentials WHERE identifier = ?", id).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("credstore: loading secret: %w", err)
	}

	secret, err := s.sealer.open(id, sealed)
	if err != nil {
		s.logger.Warn("stored secret could not be unsealed", slog.String("error", err.Error()))
		return nil, err
	}

	return secret, nil
}

// Save seals and stores secret, replacing any previous one.
func (s *SQLite) Save(ctx context.Context, identifier string, secret []byte) error {
	id := srp.NormalizeIdentifier(identifier)

	sealed, err := s.sealer.seal(id, secret)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (identifier, sealed, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(identifier) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		id, sealed, s.now().Unix())
	if err != nil {
		return fmt.Errorf("credstore: saving secret: %w", err)
	}

	return nil
}

// Delete removes the stored secret. Deleting a missing secret is not an error.
func (s *SQLite) Delete(ctx context.Context, identifier string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE identifier = ?",
		srp.NormalizeIdentifier(identifier)); err != nil {
		return fmt.Errorf("credstore: deleting secret: %w", err)
	}

	return nil
}

// Exists reports whether a secret is stored, without unsealing it.
func (s *SQLite) Exists(ctx context.Context, identifier string) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM credentials WHERE identifier = ?",
		srp.NormalizeIdentifier(identifier)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("credstore: checking secret: %w", err)
	}

	return n > 0, nil
}

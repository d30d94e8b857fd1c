package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tonimelisma/icloud-go/internal/config"
	"github.com/tonimelisma/icloud-go/internal/credstore"
	"github.com/tonimelisma/icloud-go/internal/icloud"
)

// serviceHook adjusts service options before the Service is built. Tests
// use it to point the client at a fake server.
var serviceHook func(*icloud.Options)

// CLISession bundles the service for the resolved account with the
// resources that must be released when the command ends.
type CLISession struct {
	Service *icloud.Service
	Logger  *slog.Logger

	store *credstore.SQLite
}

// newCLISession opens the encrypted credential store and builds the Service
// for the resolved Apple ID, restoring any persisted session.
func newCLISession(ctx context.Context) (*CLISession, error) {
	appleID, err := requireAppleID()
	if err != nil {
		return nil, err
	}

	logger := buildLogger(os.Stderr)

	store, err := credstore.OpenSQLite(ctx, config.CredentialDBPath(), config.CredentialKeyPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	opts := icloud.OptionsFromConfig(resolvedCfg)
	opts.Identifier = appleID
	opts.Store = store
	opts.Logger = logger

	if serviceHook != nil {
		serviceHook(&opts)
	}

	svc, err := icloud.New(opts)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &CLISession{Service: svc, Logger: logger, store: store}, nil
}

// Close releases the credential store.
func (s *CLISession) Close() {
	if err := s.store.Close(); err != nil {
		s.Logger.Warn("closing credential store", slog.String("error", err.Error()))
	}
}

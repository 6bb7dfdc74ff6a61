package bank

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openibank/openibank-sub001/pkg/config"
	"github.com/openibank/openibank-sub001/pkg/crypto"
	"github.com/openibank/openibank-sub001/pkg/journal"
)

// OpenJournal selects the journal backend: Postgres when a database URL
// is configured, otherwise the lite mode backend under the data directory.
func OpenJournal(ctx context.Context, cfg *config.Config, logger *slog.Logger) (journal.Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.LiteMode() {
		db, err := journal.OpenSQL("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		j := journal.NewSQLJournal(db)
		if err := j.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("journal ready", "backend", "postgres")
		return j, nil
	}

	if cfg.Journal == config.JournalMemory {
		logger.Warn("journal is in memory, state will not survive a restart")
		return journal.NewMemoryJournal(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	switch cfg.Journal {
	case config.JournalFile:
		path := filepath.Join(cfg.DataDir, "journal.jsonl")
		logger.Info("journal ready", "backend", "file", "path", path)
		return journal.OpenFile(path, logger)
	default:
		path := filepath.Join(cfg.DataDir, "openibank.db")
		db, err := journal.OpenSQL("sqlite", path)
		if err != nil {
			return nil, err
		}
		j := journal.NewSQLJournal(db)
		if err := j.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("journal ready", "backend", "sqlite", "path", path)
		return j, nil
	}
}

// LoadSeed returns the master seed from configuration, or from
// DataDir/master.key, generating and persisting one on first start.
func LoadSeed(cfg *config.Config, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MasterSeed != "" {
		seed, err := hex.DecodeString(strings.TrimSpace(cfg.MasterSeed))
		if err != nil {
			return nil, fmt.Errorf("MASTER_SEED: %w", err)
		}
		return seed, nil
	}

	path := filepath.Join(cfg.DataDir, "master.key")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", path, err)
		}
		return seed, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	seed, err := crypto.GenerateSeed()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return nil, fmt.Errorf("save %s: %w", path, err)
	}
	logger.Warn("generated master seed; keep it safe or set MASTER_SEED", "path", path)
	return seed, nil
}

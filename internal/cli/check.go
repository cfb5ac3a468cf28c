// Package cli holds the diagnostics behind the arcbot check command.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"arcbot/internal/config"
	"arcbot/internal/db"
	"arcbot/internal/domain"
	"arcbot/internal/emoji"
	"arcbot/internal/llm"
	"arcbot/internal/persona"
)

// Function variables for dependency injection in tests.
var (
	configLoad         = config.Load
	configWriteDefault = config.WriteDefault
	configValidateFile = config.ValidateFile
	dbConnect          = db.Connect
	dbMigrate          = db.Migrate
	newProvider        = llm.NewProvider
)

// CheckOptions holds options for the check command.
type CheckOptions struct {
	Fix bool // write a default config when missing and create the data dir
}

// RunCheck inspects the config at cfgPath and everything it points at:
// validation, schema, data dir, personas file, emoji catalog, database and
// provider. Returns the exit code: 0 when nothing failed.
func RunCheck(ctx context.Context, cfgPath string, opts CheckOptions, stdout, stderr io.Writer) int {
	failed := false
	note := func(section, message string) {
		fmt.Fprintf(stdout, "  [%s] %s\n", section, message)
	}
	fail := func(section string, err error) {
		failed = true
		fmt.Fprintf(stdout, "  [%s] FAIL %v\n", section, err)
	}

	// 1. Config
	cfg, err := configLoad(cfgPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		note("Config", fmt.Sprintf("No config at %s.", cfgPath))
		if !opts.Fix {
			note("Config", "Run with --fix to create a default arcbot.json.")
			fmt.Fprintln(stdout, "  Check complete.")
			return 0
		}
		if err := configWriteDefault(cfgPath); err != nil {
			fmt.Fprintf(stderr, "  failed to write default config: %v\n", err)
			return 1
		}
		note("Config", fmt.Sprintf("Wrote default config to %s.", cfgPath))
		if cfg, err = configLoad(cfgPath); err != nil {
			fail("Config", err)
			return 1
		}
	case err != nil:
		fail("Config", err)
		return 1
	default:
		note("Config", fmt.Sprintf("Loaded %s.", cfgPath))
	}
	if err := config.Validate(cfg); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			fail("Config", errors.New(line))
		}
	}
	if err := configValidateFile(cfgPath); err != nil {
		fail("Schema", err)
	} else {
		note("Schema", "Keys and value types match.")
	}

	// 2. Gateway
	note("Gateway", fmt.Sprintf("port=%d auth=%t", cfg.Gateway.Port, cfg.Gateway.AuthToken != ""))
	if cfg.Gateway.AuthToken == "" {
		note("Gateway", "No auth token. Set gateway.authToken before exposing the gateway.")
	}

	// 3. Paths
	if err := ensureDir(cfg.Paths.Data, "paths.data", opts.Fix); errors.Is(err, errMissingDir) {
		note("Paths", err.Error())
	} else if err != nil {
		fail("Paths", err)
	} else {
		note("Paths", fmt.Sprintf("paths.data %s ok.", cfg.Paths.Data))
	}
	if list, err := persona.LoadFile(cfg.Paths.Personas); err != nil {
		fail("Personas", err)
	} else {
		note("Personas", fmt.Sprintf("%d persona(s) in %s.", len(list), cfg.Paths.Personas))
	}
	if cat, err := emoji.Load(cfg.Paths.EmojiCatalog); err != nil {
		fail("Emoji", err)
	} else {
		note("Emoji", fmt.Sprintf("%d emoji in %s.", cat.Len(), cfg.Paths.EmojiCatalog))
	}

	// 4. Database
	if err := checkDatabase(ctx, cfg.Paths.DatabaseURL); err != nil {
		fail("Database", err)
	} else {
		note("Database", "Connected and migrated.")
	}

	// 5. Provider
	providers := append([]domain.ProviderConfig{cfg.Provider}, cfg.Fallbacks...)
	for i, pc := range providers {
		label := "Provider"
		if i > 0 {
			label = fmt.Sprintf("Fallback %d", i)
		}
		p, err := newProvider(pc)
		if err != nil {
			fail(label, err)
			continue
		}
		note(label, fmt.Sprintf("%s model=%q.", p.Name(), pc.Model))
	}

	fmt.Fprintln(stdout, "  Check complete.")
	if failed {
		return 1
	}
	return 0
}

func checkDatabase(ctx context.Context, url string) error {
	conn, err := dbConnect(url)
	if err != nil {
		return err
	}
	defer func(conn *sql.DB) { _ = conn.Close() }(conn)
	return dbMigrate(ctx, conn)
}

var errMissingDir = errors.New("does not exist yet, it is created on first save (or run with --fix)")

// ensureDir reports whether dir is a usable directory, creating it when
// create is set.
func ensureDir(dir, label string, create bool) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		if !create {
			return fmt.Errorf("%s %q: %w", label, abs, errMissingDir)
		}
		if mkErr := os.MkdirAll(abs, 0755); mkErr != nil {
			return fmt.Errorf("%s %q: mkdir failed: %w", label, abs, mkErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s %q: %w", label, abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s %q: not a directory", label, abs)
	}
	return nil
}

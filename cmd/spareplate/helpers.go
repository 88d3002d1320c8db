package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	spareplate "github.com/spareplate/spareplate-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the console logger used by all CLI commands.
func newLogger(verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		level,
	)
	return zap.New(core)
}

// getClient creates a Spare Plate client from the saved configuration.
func getClient(log *zap.Logger) (*spareplate.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'spareplate init <token> <user-id>' first.")
		os.Exit(1)
	}

	opts := []spareplate.ClientOption{spareplate.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, spareplate.WithBaseURL(cfg.Default.BaseURL))
	}
	return spareplate.NewClient(cfg.Auth.Token, opts...), cfg
}

// getStorage opens the file-backed local cache shared by all commands
// (hide list, last-read timestamps).
func getStorage() spareplate.Storage {
	dir, err := configDir()
	if err != nil {
		return spareplate.NewMemoryStorage()
	}
	fs, err := spareplate.NewFileStorage(filepath.Join(dir, "cache.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: local cache unavailable: %v\n", err)
		return spareplate.NewMemoryStorage()
	}
	return fs
}

// formatWhen renders an ISO-8601 timestamp for list output.
func formatWhen(iso string) string {
	if iso == "" {
		return ""
	}
	ts, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return iso
	}
	return ts.Local().Format("Jan 2 15:04")
}

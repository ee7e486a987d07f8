package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBPath           = "crucible.db"
	defaultMaxEngines       = 256
	defaultHistorySize      = 1000
	defaultMaxRecoveryDepth = 16

	envListenAddr       = "CRUCIBLE_LISTEN_ADDR"
	envDBPath           = "CRUCIBLE_DB_PATH"
	envLogLevel         = "CRUCIBLE_LOG_LEVEL"
	envMaxEngines       = "CRUCIBLE_MAX_ENGINES"
	envSaveIDs          = "CRUCIBLE_SAVE_IDS"
	envHistorySize      = "CRUCIBLE_HISTORY_SIZE"
	envCommandTimeout   = "CRUCIBLE_COMMAND_TIMEOUT_S"
	envMaxRecoveryDepth = "CRUCIBLE_MAX_RECOVERY_DEPTH"
	envLocalEngines     = "CRUCIBLE_LOCAL_ENGINES"
	envEnginesFile      = "CRUCIBLE_ENGINES_FILE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string

	// DBPath is the journal database. Empty disables the journal.
	DBPath   string
	LogLevel slog.Level

	MaxEngines       int
	SaveIDs          bool
	HistorySize      int
	CommandTimeout   time.Duration
	MaxRecoveryDepth int

	// LocalEngines in-process engines are registered at startup.
	LocalEngines int
	EnginesFile  string
}

// Load reads configuration from environment variables with sensible defaults.
// A malformed numeric or boolean value is an error.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		MaxEngines:       defaultMaxEngines,
		HistorySize:      defaultHistorySize,
		MaxRecoveryDepth: defaultMaxRecoveryDepth,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	// Set-but-empty is meaningful here: it disables the journal.
	if v, ok := os.LookupEnv(envDBPath); ok {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envEnginesFile); v != "" {
		cfg.EnginesFile = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{envMaxEngines, &cfg.MaxEngines},
		{envHistorySize, &cfg.HistorySize},
		{envMaxRecoveryDepth, &cfg.MaxRecoveryDepth},
		{envLocalEngines, &cfg.LocalEngines},
	}
	for _, f := range ints {
		if err := envInt(f.env, f.dst); err != nil {
			return Config{}, err
		}
	}

	var timeoutS int
	if err := envInt(envCommandTimeout, &timeoutS); err != nil {
		return Config{}, err
	}
	cfg.CommandTimeout = time.Duration(timeoutS) * time.Second

	if v := os.Getenv(envSaveIDs); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envSaveIDs, err)
		}
		cfg.SaveIDs = b
	}

	return cfg, nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if n < 0 {
		return fmt.Errorf("%s: must be >= 0, got %d", name, n)
	}
	*dst = n
	return nil
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	return parseLogLevel(s)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

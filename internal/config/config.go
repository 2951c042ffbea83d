package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServerAddress  string         `json:"serverAddress"`
	DatabasePath   string         `json:"databasePath"`
	DatabaseURL    string         `json:"databaseUrl"`
	Security       Security       `json:"security"`
	ConflictEngine ConflictEngine `json:"conflictEngine"`
	Recovery       Recovery       `json:"recovery"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Security configuration
type Security struct {
	APIKeyHeader string `json:"apiKeyHeader"`
	// BootstrapEmail/BootstrapPassword create the first user when the
	// users table is empty; the generated API key is logged once
	BootstrapEmail    string `json:"bootstrapEmail"`
	BootstrapPassword string `json:"bootstrapPassword"`
}

// ConflictEngine holds the detection and resolution tunables
type ConflictEngine struct {
	RecentWriteWindowSeconds    int `json:"recentWriteWindowSeconds"`
	ClockSyncThresholdSeconds   int `json:"clockSyncThresholdSeconds"`
	AutoResolveConfidence       int `json:"autoResolveConfidence"`
	DebounceMillis              int `json:"debounceMillis"`
	CriticalEscalationSeconds   int `json:"criticalEscalationSeconds"`
	ClockSkewConfidenceDiscount int `json:"clockSkewConfidenceDiscount"`
}

// RecentWriteWindow is how far back a new write is compared against
// other devices' writes to the same record
func (c ConflictEngine) RecentWriteWindow() time.Duration {
	return time.Duration(c.RecentWriteWindowSeconds) * time.Second
}

// ClockSyncThreshold is the max tolerated device clock deviation
func (c ConflictEngine) ClockSyncThreshold() time.Duration {
	return time.Duration(c.ClockSyncThresholdSeconds) * time.Second
}

// Debounce is how long resolution waits for superseding writes
func (c ConflictEngine) Debounce() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

// CriticalEscalation is how long a critical conflict may stay unresolved
// before organizer devices are alerted
func (c ConflictEngine) CriticalEscalation() time.Duration {
	return time.Duration(c.CriticalEscalationSeconds) * time.Second
}

// Recovery holds the emergency recovery tunables
type Recovery struct {
	IntegrityIntervalMinutes int    `json:"integrityIntervalMinutes"`
	IntegrityHistoryCap      int    `json:"integrityHistoryCap"`
	SnapshotRetention        int    `json:"snapshotRetention"`
	ExportDir                string `json:"exportDir"`
	AutoStart                bool   `json:"autoStart"`
}

// IntegrityInterval is how often scheduled integrity checks run
func (r Recovery) IntegrityInterval() time.Duration {
	return time.Duration(r.IntegrityIntervalMinutes) * time.Minute
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":5000",
		DatabasePath:  "bracketsync.db",
		Security: Security{
			APIKeyHeader: "X-API-Key",
		},
		ConflictEngine: ConflictEngine{
			RecentWriteWindowSeconds:    10,
			ClockSyncThresholdSeconds:   5,
			AutoResolveConfidence:       80,
			DebounceMillis:              1000,
			CriticalEscalationSeconds:   10,
			ClockSkewConfidenceDiscount: 20,
		},
		Recovery: Recovery{
			IntegrityIntervalMinutes: 30,
			IntegrityHistoryCap:      24,
			SnapshotRetention:        20,
			ExportDir:                "./exports",
			AutoStart:                true,
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if email := os.Getenv("BOOTSTRAP_EMAIL"); email != "" {
		cfg.Security.BootstrapEmail = email
	}
	if password := os.Getenv("BOOTSTRAP_PASSWORD"); password != "" {
		cfg.Security.BootstrapPassword = password
	}

	// Conflict engine configuration
	if confidence := os.Getenv("AUTO_RESOLVE_CONFIDENCE"); confidence != "" {
		if v, err := strconv.Atoi(confidence); err == nil && v > 0 && v <= 100 {
			cfg.ConflictEngine.AutoResolveConfidence = v
		}
	}
	if window := os.Getenv("RECENT_WRITE_WINDOW_SECONDS"); window != "" {
		if v, err := strconv.Atoi(window); err == nil && v > 0 {
			cfg.ConflictEngine.RecentWriteWindowSeconds = v
		}
	}

	// Recovery configuration
	if interval := os.Getenv("INTEGRITY_INTERVAL_MINUTES"); interval != "" {
		if v, err := strconv.Atoi(interval); err == nil && v > 0 {
			cfg.Recovery.IntegrityIntervalMinutes = v
		}
	}
	if exportDir := os.Getenv("EXPORT_DIR"); exportDir != "" {
		cfg.Recovery.ExportDir = exportDir
	}
	if autoStart := os.Getenv("RECOVERY_AUTO_START"); autoStart != "" {
		cfg.Recovery.AutoStart = autoStart == "true" || autoStart == "1"
	}

	// Ensure export directory exists
	if err := os.MkdirAll(cfg.Recovery.ExportDir, 0755); err != nil {
		return nil, err
	}

	// Make export dir absolute
	absPath, err := filepath.Abs(cfg.Recovery.ExportDir)
	if err != nil {
		return nil, err
	}
	cfg.Recovery.ExportDir = absPath

	return cfg, nil
}

package config

import (
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
)

// ServerConfig holds configuration for the HTTP service.
type ServerConfig struct {
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool
	LogLevel         string
	LogFile          string
	SnapshotDir      string
	RecordsDir       string
	NotifyURL        string
	RelayConfigFile  string
	RecordTraffic    bool
	SnapshotKeep     int
}

// LoadServer reads service configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	return ServerFromSource(EnvSource{}), nil
}

// ServerFromSource builds a ServerConfig from src.
func ServerFromSource(src Source) *ServerConfig {
	port := getEnvOrDefault(src, "PORT", "3000")
	return &ServerConfig{
		BindAddr:         getEnvOrDefault(src, "BIND_ADDR", "0.0.0.0:"+port),
		PortCandidates:   getEnvListOrDefault(src, "PORT_CANDIDATES", []string{"0.0.0.0:3001", "0.0.0.0:3002"}),
		PortAutoFallback: getEnvBoolOrDefault(src, "PORT_AUTO_FALLBACK", false),
		LogLevel:         strings.ToLower(getEnvOrDefault(src, "LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault(src, "LOG_FILE", "logs/signin.log"),
		SnapshotDir:      getEnvOrDefault(src, "SNAPSHOT_DIR", "./snapshots"),
		RecordsDir:       getEnvOrDefault(src, "RECORDS_DIR", "./records"),
		NotifyURL:        getEnvOrDefault(src, "NOTIFY_URL", ""),
		RelayConfigFile:  getEnvOrDefault(src, "RELAY_CONFIG", ""),
		RecordTraffic:    getEnvBoolOrDefault(src, "RECORD_TRAFFIC", false),
		SnapshotKeep:     getEnvIntOrDefault(src, "SNAPSHOT_KEEP", 50),
	}
}

// LoadOnce reads configuration for the one-shot CLI. It delegates to
// LoadServer and moves the log file so both binaries can run side by side.
func LoadOnce() (*ServerConfig, error) {
	cfg, err := LoadServer()
	if err != nil {
		return nil, err
	}
	if cfg.LogFile == "logs/signin.log" {
		cfg.LogFile = getEnvOrDefault(EnvSource{}, "ONCE_LOG_FILE", "logs/signin_once.log")
	}
	return cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const defaultCrashEndpoint = "https://api.rollbar.com/api/1/item/"

type Config struct {
	PhoneNumber string

	Server   ServerConfig
	Backend  BackendConfig
	Database DatabaseConfig
	Realtime RealtimeConfig
	Crash    CrashConfig
	Poll     PollConfig
	Log      LogConfig
}

type ServerConfig struct {
	Address string
}

type BackendConfig struct {
	URL string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RealtimeConfig struct {
	Enabled       bool
	Address       string
	Password      string
	DB            int
	ChannelPrefix string
}

type CrashConfig struct {
	Enabled     bool
	Endpoint    string
	Key         string
	Environment string
}

type PollConfig struct {
	Interval time.Duration
}

type LogConfig struct {
	Level string
	Dir   string
}

func LoadAll() (*Config, error) {
	var errs []error

	phone, err := requireEnv("PHONE_NUMBER")
	errs = append(errs, err)

	backendURL, err := requireEnv("BACKEND_URL")
	errs = append(errs, err)

	postgresURL, err := requireEnv("POSTGRES_URL")
	errs = append(errs, err)

	intervalSecs, err := getEnvInt("POLL_INTERVAL_SECONDS", 60)
	errs = append(errs, err)

	realtime, err := loadRealtimeConfig()
	errs = append(errs, err)

	cfg := &Config{
		PhoneNumber: phone,
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Backend: BackendConfig{
			URL: backendURL,
		},
		Database: DatabaseConfig{
			PostgresURL: postgresURL,
		},
		Realtime: realtime,
		Crash:    loadCrashConfig(),
		Poll: PollConfig{
			Interval: time.Duration(intervalSecs) * time.Second,
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			Dir:   getEnv("LOG_DIR", "logs"),
		},
	}

	errs = append(errs, validate(cfg))

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RealtimeConfig{Enabled: false}, nil
	}

	var errs []error

	db, err := getEnvInt("REDIS_DB", 0)
	errs = append(errs, err)

	prefix, err := requireEnv("PUB_CHANNEL")
	errs = append(errs, err)

	cfg := RealtimeConfig{
		Enabled:       true,
		Address:       addr,
		Password:      os.Getenv("REDIS_PASSWORD"),
		DB:            db,
		ChannelPrefix: prefix,
	}
	return cfg, joinErrors(errs)
}

func loadCrashConfig() CrashConfig {
	key := os.Getenv("CRASH_KEY")
	return CrashConfig{
		Enabled:     key != "",
		Endpoint:    getEnv("CRASH_ENDPOINT", defaultCrashEndpoint),
		Key:         key,
		Environment: getEnv("ENV", "development"),
	}
}

func validate(cfg *Config) error {
	if cfg.Poll.Interval <= 0 {
		return errors.New("POLL_INTERVAL_SECONDS must be > 0")
	}
	return nil
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}

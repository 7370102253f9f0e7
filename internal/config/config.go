package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/i474232898/station-readings/internal/notify"
	"github.com/i474232898/station-readings/internal/readings"
	"github.com/i474232898/station-readings/internal/store"
)

type AppConfig struct {
	Env      string `envconfig:"APP_ENV" default:"dev" validate:"oneof=dev prod"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Port     string `envconfig:"PORT" default:"8080" validate:"required,numeric"`

	Ecowitt EcowittConfig
	Refresh RefreshConfig
	Store   StoreConfig
	MQTT    MQTTConfig

	// MaxEntries is the default number of rows returned by the read API.
	MaxEntries int `envconfig:"MAX_ENTRIES" default:"28" validate:"min=0"`
}

type EcowittConfig struct {
	ApplicationKey string        `envconfig:"ECOWITT_APPLICATION_KEY" validate:"required"`
	APIKey         string        `envconfig:"ECOWITT_API_KEY" validate:"required"`
	BaseURL        string        `envconfig:"ECOWITT_BASE_URL" default:"https://api.ecowitt.net/api/v3" validate:"required,url"`
	HTTPTimeout    time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s" validate:"gt=0"`
	RateLimit      int           `envconfig:"ECOWITT_RATE_LIMIT" default:"10" validate:"min=1"`
	RatePeriod     time.Duration `envconfig:"ECOWITT_RATE_PERIOD" default:"1m" validate:"gt=0"`
}

type RefreshConfig struct {
	Interval time.Duration `envconfig:"REFRESH_INTERVAL" default:"1h" validate:"gt=0"`
	Cooldown time.Duration `envconfig:"REFRESH_COOLDOWN" default:"3h" validate:"gte=0"`
	// InitialBackfill is how far back a category with no watermark starts.
	InitialBackfill time.Duration `envconfig:"INITIAL_BACKFILL" default:"8760h" validate:"gt=0"`
	Timezone        string        `envconfig:"STATION_TIMEZONE" default:"Local"`
	StateFile       string        `envconfig:"STATE_FILE" default:"./data/state.toml" validate:"required"`
	Categories      []string      `envconfig:"REFRESH_CATEGORIES" default:"rainfall,solar,uv-index,wind,temperature-high,temperature-low,humidity,pressure"`

	// Resolved by Load.
	Location     *time.Location      `ignored:"true" validate:"-"`
	CategoryList []readings.Category `ignored:"true" validate:"-"`
}

type StoreConfig struct {
	Backend     string `envconfig:"STORE_BACKEND" default:"csv" validate:"oneof=csv memory sqlite postgres"`
	DataDir     string `envconfig:"DATA_DIR" default:"./data"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"./data/readings.db"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" validate:"required_if=Backend postgres"`
}

// MQTTConfig enables liveness notifications over MQTT when Broker is set.
type MQTTConfig struct {
	Broker   string `envconfig:"MQTT_BROKER"`
	Port     int    `envconfig:"MQTT_PORT" default:"1883" validate:"min=1,max=65535"`
	ClientID string `envconfig:"MQTT_CLIENT_ID" default:"station-readings"`
	Topic    string `envconfig:"MQTT_TOPIC" default:"station-readings/liveness"`
}

// Load reads configuration from the environment (and a .env file when one is
// present), applies defaults and validates the result.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Refresh.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid STATION_TIMEZONE: %w", err)
	}
	cfg.Refresh.Location = loc

	cats, err := parseCategories(cfg.Refresh.Categories)
	if err != nil {
		return nil, err
	}
	cfg.Refresh.CategoryList = cats

	return &cfg, nil
}

func parseCategories(names []string) ([]readings.Category, error) {
	var out []readings.Category
	seen := map[string]bool{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cat, ok := readings.LookupCategory(name)
		if !ok {
			return nil, fmt.Errorf("invalid REFRESH_CATEGORIES: unknown category %q", name)
		}
		if seen[cat.Name] {
			continue
		}
		seen[cat.Name] = true
		out = append(out, cat)
	}
	return out, nil
}

// StoreOptions maps the store section onto store.Config.
func (c *AppConfig) StoreOptions() store.Config {
	return store.Config{
		Backend:     c.Store.Backend,
		DataDir:     c.Store.DataDir,
		SQLitePath:  c.Store.SQLitePath,
		PostgresDSN: c.Store.PostgresDSN,
	}
}

// MQTTOptions maps the MQTT section onto notify.MQTTConfig.
func (c *AppConfig) MQTTOptions() notify.MQTTConfig {
	return notify.MQTTConfig{
		Broker:   c.MQTT.Broker,
		Port:     c.MQTT.Port,
		ClientID: c.MQTT.ClientID,
		Topic:    c.MQTT.Topic,
	}
}

// SlogLevel converts LogLevel for the logging package.
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

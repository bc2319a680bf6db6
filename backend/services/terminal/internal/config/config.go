package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	libconfig "fuelpos/backend/libs/config"
)

// TerminalConfig identifies this terminal to the back office.
type TerminalConfig struct {
	ID        string `yaml:"id" env:"TERMINAL_ID"`
	StationID string `yaml:"stationId" env:"TERMINAL_STATION_ID"`
	DataDir   string `yaml:"dataDir" env:"TERMINAL_DATA_DIR"`
}

// HTTPConfig is the local UI API.
type HTTPConfig struct {
	Port string `yaml:"port" env:"TERMINAL_HTTP_PORT"`
	// Host defaults to loopback; the API is meant for the attendant UI on the same device.
	Host string `yaml:"host" env:"TERMINAL_HTTP_HOST"`
}

// DeviceConfig tunes the dispenser link.
type DeviceConfig struct {
	ServiceMatch   string        `yaml:"serviceMatch" env:"TERMINAL_DEVICE_SERVICE_MATCH"`
	BaudRate       int           `yaml:"baudRate" env:"TERMINAL_DEVICE_BAUD_RATE"`
	ScanTimeout    time.Duration `yaml:"scanTimeout" env:"TERMINAL_DEVICE_SCAN_TIMEOUT"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" env:"TERMINAL_DEVICE_CONNECT_TIMEOUT"`
	RescanInterval time.Duration `yaml:"rescanInterval" env:"TERMINAL_DEVICE_RESCAN_INTERVAL"`
	AutoConnect    bool          `yaml:"autoConnect" env:"TERMINAL_DEVICE_AUTO_CONNECT"`
}

// QueueConfig locates and bounds the offline queue.
type QueueConfig struct {
	Path     string `yaml:"path" env:"TERMINAL_QUEUE_PATH"`
	MaxItems int    `yaml:"maxItems" env:"TERMINAL_QUEUE_MAX_ITEMS"`
}

// JournalConfig locates the sqlite journal.
type JournalConfig struct {
	Path           string        `yaml:"path" env:"TERMINAL_JOURNAL_PATH"`
	FrameRetention time.Duration `yaml:"frameRetention" env:"TERMINAL_JOURNAL_FRAME_RETENTION"`
}

// SalesConfig points at the sale submission service.
type SalesConfig struct {
	BaseURL       string        `yaml:"baseUrl" env:"TERMINAL_SALES_BASE_URL"`
	Timeout       time.Duration `yaml:"timeout" env:"TERMINAL_SALES_TIMEOUT"`
	JWTSecret     string        `yaml:"jwtSecret" env:"TERMINAL_SALES_JWT_SECRET"`
	TokenLifetime time.Duration `yaml:"tokenLifetime" env:"TERMINAL_SALES_TOKEN_LIFETIME"`
	AutoSubmit    bool          `yaml:"autoSubmit" env:"TERMINAL_SALES_AUTO_SUBMIT"`
	FuelType      string        `yaml:"fuelType" env:"TERMINAL_SALES_FUEL_TYPE"`
}

// ConnectivityConfig tunes online detection.
type ConnectivityConfig struct {
	WSURL        string        `yaml:"wsUrl" env:"TERMINAL_CONNECTIVITY_WS_URL"`
	Debounce     time.Duration `yaml:"debounce" env:"TERMINAL_CONNECTIVITY_DEBOUNCE"`
	PingInterval time.Duration `yaml:"pingInterval" env:"TERMINAL_CONNECTIVITY_PING_INTERVAL"`
	MinBackoff   time.Duration `yaml:"minBackoff" env:"TERMINAL_CONNECTIVITY_MIN_BACKOFF"`
	MaxBackoff   time.Duration `yaml:"maxBackoff" env:"TERMINAL_CONNECTIVITY_MAX_BACKOFF"`
	// AssumeOnline is the state reported before the watcher has connected,
	// and the permanent state when no wsUrl is configured.
	AssumeOnline bool `yaml:"assumeOnline" env:"TERMINAL_CONNECTIVITY_ASSUME_ONLINE"`
}

// CatalogConfig locates prices and stock.
type CatalogConfig struct {
	PostgresDSN   string             `yaml:"postgresDsn" env:"TERMINAL_CATALOG_POSTGRES_DSN"`
	RedisAddr     string             `yaml:"redisAddr" env:"TERMINAL_CATALOG_REDIS_ADDR"`
	RedisPassword string             `yaml:"redisPassword" env:"TERMINAL_CATALOG_REDIS_PASSWORD"`
	RedisDB       int                `yaml:"redisDb" env:"TERMINAL_CATALOG_REDIS_DB"`
	CacheTTL      time.Duration      `yaml:"cacheTtl" env:"TERMINAL_CATALOG_CACHE_TTL"`
	DefaultPrices map[string]float64 `yaml:"defaultPrices" env:"TERMINAL_CATALOG_DEFAULT_PRICES"`
}

// SupervisorConfig holds the bcrypt hash of the supervisor PIN.
type SupervisorConfig struct {
	PINHash string `yaml:"pinHash" env:"TERMINAL_SUPERVISOR_PIN_HASH"`
}

// CurrencyConfig controls amount rounding.
type CurrencyConfig struct {
	Precision int32 `yaml:"precision" env:"TERMINAL_CURRENCY_PRECISION"`
}

// Config defines terminal configuration.
type Config struct {
	Terminal     TerminalConfig     `yaml:"terminal"`
	HTTP         HTTPConfig         `yaml:"http"`
	Device       DeviceConfig       `yaml:"device"`
	Queue        QueueConfig        `yaml:"queue"`
	Journal      JournalConfig      `yaml:"journal"`
	Sales        SalesConfig        `yaml:"sales"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Currency     CurrencyConfig     `yaml:"currency"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Terminal: TerminalConfig{
			ID:      "terminal-1",
			DataDir: "data",
		},
		HTTP: HTTPConfig{
			Port: "8090",
			Host: "127.0.0.1",
		},
		Device: DeviceConfig{
			ServiceMatch:   "dispenser",
			BaudRate:       9600,
			ScanTimeout:    15 * time.Second,
			ConnectTimeout: 10 * time.Second,
			RescanInterval: 2 * time.Second,
		},
		Queue: QueueConfig{
			MaxItems: 500,
		},
		Journal: JournalConfig{
			FrameRetention: 30 * 24 * time.Hour,
		},
		Sales: SalesConfig{
			Timeout:       10 * time.Second,
			TokenLifetime: 15 * time.Minute,
		},
		Connectivity: ConnectivityConfig{
			Debounce:     500 * time.Millisecond,
			PingInterval: 15 * time.Second,
			MinBackoff:   time.Second,
			MaxBackoff:   30 * time.Second,
			AssumeOnline: true,
		},
		Catalog: CatalogConfig{
			CacheTTL: 24 * time.Hour,
		},
		Currency: CurrencyConfig{
			Precision: 2,
		},
	}
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the terminal cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Terminal.ID) == "" {
		return errors.New("config: terminal id required")
	}
	if c.Queue.MaxItems < 0 {
		return errors.New("config: queue maxItems must not be negative")
	}
	if c.Currency.Precision < 0 || c.Currency.Precision > 6 {
		return fmt.Errorf("config: currency precision %d out of range 0..6", c.Currency.Precision)
	}
	if c.Device.BaudRate <= 0 {
		return errors.New("config: device baudRate must be positive")
	}
	if base := strings.TrimSpace(c.Sales.BaseURL); base != "" {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: sales baseUrl %q is not an http(s) url", base)
		}
		if strings.TrimSpace(c.Sales.JWTSecret) == "" {
			return errors.New("config: sales jwtSecret required when baseUrl is set")
		}
	}
	if ws := strings.TrimSpace(c.Connectivity.WSURL); ws != "" {
		u, err := url.Parse(ws)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("config: connectivity wsUrl %q is not a ws(s) url", ws)
		}
	}
	for fuel, price := range c.Catalog.DefaultPrices {
		if price < 0 {
			return fmt.Errorf("config: default price for %s must not be negative", fuel)
		}
	}
	return nil
}

// HTTPAddress returns host:port.
func (c *Config) HTTPAddress() string {
	port := strings.TrimPrefix(strings.TrimSpace(c.HTTP.Port), ":")
	if port == "" {
		port = "8090"
	}
	return fmt.Sprintf("%s:%s", strings.TrimSpace(c.HTTP.Host), port)
}

// QueuePath returns the queue document path.
func (c *Config) QueuePath() string {
	if p := strings.TrimSpace(c.Queue.Path); p != "" {
		return p
	}
	return c.dataFile("queue.json")
}

// JournalPath returns the sqlite journal path.
func (c *Config) JournalPath() string {
	if p := strings.TrimSpace(c.Journal.Path); p != "" {
		return p
	}
	return c.dataFile("journal.db")
}

func (c *Config) dataFile(name string) string {
	dir := strings.TrimSpace(c.Terminal.DataDir)
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, name)
}

// ScanTimeout returns the device scan window.
func (c *Config) ScanTimeout() time.Duration {
	if c.Device.ScanTimeout <= 0 {
		return 15 * time.Second
	}
	return c.Device.ScanTimeout
}

// Debounce returns the connectivity debounce window.
func (c *Config) Debounce() time.Duration {
	if c.Connectivity.Debounce <= 0 {
		return 500 * time.Millisecond
	}
	return c.Connectivity.Debounce
}

// Package config loads the relay configuration from a YAML or TOML file, applies
// defaults and environment overrides, and validates the result. Secrets may be
// stored encrypted with the "enc:" prefix and are decrypted with ENCRYPTION_KEY.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/onnwee/irc-relay/crypto"
)

// Transport names.
const (
	TransportIRC    = "irc"
	TransportTwitch = "twitch"
)

type Config struct {
	HTTPAddr   string     `yaml:"http_addr" toml:"http_addr"`
	Database   Database   `yaml:"database" toml:"database"`
	Servers    []Server   `yaml:"servers" toml:"servers"`
	Identities Identities `yaml:"identities" toml:"identities"`
	Cache      Cache      `yaml:"cache" toml:"cache"`
	Persist    Persist    `yaml:"persist" toml:"persist"`
	Retention  Retention  `yaml:"retention" toml:"retention"`
	Viewer     Viewer     `yaml:"viewer" toml:"viewer"`
	Admin      Admin      `yaml:"admin" toml:"admin"`
	CORS       CORS       `yaml:"cors" toml:"cors"`
	Push       Push       `yaml:"push" toml:"push"`
	Log        Log        `yaml:"log" toml:"log"`
	Tracing    Tracing    `yaml:"tracing" toml:"tracing"`
}

type Database struct {
	Driver string `yaml:"driver" toml:"driver"` // postgres | sqlite
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// Server is one IRC network the relay stays connected to.
type Server struct {
	Name               string   `yaml:"name" toml:"name"`
	Transport          string   `yaml:"transport" toml:"transport"`
	Host               string   `yaml:"host" toml:"host"`
	Port               int      `yaml:"port" toml:"port"`
	TLS                bool     `yaml:"tls" toml:"tls"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	Nick               string   `yaml:"nick" toml:"nick"`
	Username           string   `yaml:"username" toml:"username"`
	RealName           string   `yaml:"real_name" toml:"real_name"`
	Password           string   `yaml:"password" toml:"password"`
	Channels           []string `yaml:"channels" toml:"channels"`
	Disabled           bool     `yaml:"disabled" toml:"disabled"`
	MaxRetries         int      `yaml:"max_retries" toml:"max_retries"`
	RetryInitial       Duration `yaml:"retry_initial" toml:"retry_initial"`
	RetryMax           Duration `yaml:"retry_max" toml:"retry_max"`
	SendRate           float64  `yaml:"send_rate" toml:"send_rate"` // messages per second
	SendBurst          int      `yaml:"send_burst" toml:"send_burst"`
}

// Addr returns host:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type Identities struct {
	Extra        []string `yaml:"extra" toml:"extra"`
	Friends      []string `yaml:"friends" toml:"friends"`
	CloseFriends []string `yaml:"close_friends" toml:"close_friends"`
}

type Cache struct {
	Capacity      int `yaml:"capacity" toml:"capacity"`
	ContextWindow int `yaml:"context_window" toml:"context_window"`
	BunchMax      int `yaml:"bunch_max" toml:"bunch_max"`
}

type Persist struct {
	FlushInterval    Duration `yaml:"flush_interval" toml:"flush_interval"`
	LastSeenInterval Duration `yaml:"last_seen_interval" toml:"last_seen_interval"`
	LogDir           string   `yaml:"log_dir" toml:"log_dir"`
	LogMaxSizeMB     int      `yaml:"log_max_size_mb" toml:"log_max_size_mb"`
	LogMaxBackups    int      `yaml:"log_max_backups" toml:"log_max_backups"`
	WarmLimit        int      `yaml:"warm_limit" toml:"warm_limit"`
}

type Retention struct {
	Schedule       string `yaml:"schedule" toml:"schedule"`
	KeepDays       int    `yaml:"keep_days" toml:"keep_days"`
	KeepPerChannel int    `yaml:"keep_per_channel" toml:"keep_per_channel"`
	DryRun         bool   `yaml:"dry_run" toml:"dry_run"`
}

type Viewer struct {
	Token     string `yaml:"token" toml:"token"`
	QueueSize int    `yaml:"queue_size" toml:"queue_size"`
}

type Admin struct {
	Username       string `yaml:"username" toml:"username"`
	Password       string `yaml:"password" toml:"password"`
	Token          string `yaml:"token" toml:"token"`
	RatePerMinute  int    `yaml:"rate_per_minute" toml:"rate_per_minute"`
	RateLimitBurst int    `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
}

type CORS struct {
	Permissive     bool     `yaml:"permissive" toml:"permissive"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// Push configures Web Push delivery of new highlights.
type Push struct {
	VAPIDPublicKey    string `yaml:"vapid_public_key" toml:"vapid_public_key"`
	VAPIDPrivateKey   string `yaml:"vapid_private_key" toml:"vapid_private_key"`
	Subscriber        string `yaml:"subscriber" toml:"subscriber"`
	SubscriptionsFile string `yaml:"subscriptions_file" toml:"subscriptions_file"`
}

// Enabled reports whether push delivery is configured.
func (p Push) Enabled() bool {
	return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != "" && p.SubscriptionsFile != ""
}

type Log struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// Tracing configures span export to an OTLP/gRPC collector. An empty endpoint
// disables tracing.
type Tracing struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Defaults returns a configuration with every optional field set.
func Defaults() *Config {
	return &Config{
		HTTPAddr: ":8080",
		Database: Database{Driver: "sqlite", DSN: "data/relay.db"},
		Cache:    Cache{Capacity: 150, ContextWindow: 10, BunchMax: 50},
		Persist: Persist{
			FlushInterval:    Duration{10 * time.Second},
			LastSeenInterval: Duration{500 * time.Millisecond},
			LogDir:           "data/logs",
			LogMaxSizeMB:     50,
			LogMaxBackups:    10,
			WarmLimit:        150,
		},
		Retention: Retention{Schedule: "@every 6h", KeepDays: 90},
		Viewer:    Viewer{QueueSize: 256},
		Admin:     Admin{RatePerMinute: 10, RateLimitBurst: 10},
		CORS:      CORS{Permissive: true},
		Log:       Log{Level: "info", Format: "text"},
		Tracing:   Tracing{SampleRatio: 1},
	}
}

// applyServerDefaults fills per-server defaults that depend on the transport.
func applyServerDefaults(s *Server) {
	if s.Transport == "" {
		s.Transport = TransportIRC
	}
	if s.Transport == TransportTwitch && s.Host == "" {
		s.Host = "irc.chat.twitch.tv"
		s.TLS = true
	}
	if s.Port == 0 {
		if s.TLS {
			s.Port = 6697
		} else {
			s.Port = 6667
		}
	}
	if s.Username == "" {
		s.Username = s.Nick
	}
	if s.RealName == "" {
		s.RealName = s.Nick
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 500
	}
	if s.RetryInitial.Duration == 0 {
		s.RetryInitial = Duration{2 * time.Second}
	}
	if s.RetryMax.Duration == 0 {
		s.RetryMax = Duration{5 * time.Minute}
	}
	if s.SendRate == 0 {
		s.SendRate = 1
	}
	if s.SendBurst == 0 {
		s.SendBurst = 4
	}
}

// GetConfigPath returns the config file path from RELAY_CONFIG or the default.
func GetConfigPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return "relay.yaml"
}

// Load reads the file at path (YAML or TOML by extension) on top of Defaults,
// applies environment overrides, decrypts secrets and validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}
	for i := range cfg.Servers {
		applyServerDefaults(&cfg.Servers[i])
	}
	applyEnvironmentOverrides(cfg)
	if err := cfg.decryptSecrets(os.Getenv("ENCRYPTION_KEY")); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse config toml: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config yaml: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("RELAY_VIEWER_TOKEN"); v != "" {
		cfg.Viewer.Token = v
	}
	if v := os.Getenv("RELAY_LOG_DIR"); v != "" {
		cfg.Persist.LogDir = v
	}
	if v := os.Getenv("RELAY_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Capacity = n
		}
	}
	if v := os.Getenv("ADMIN_USERNAME"); v != "" {
		cfg.Admin.Username = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		cfg.Admin.Password = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, origin)
			}
		}
	}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.CORS.Permissive = v == "1" || v == "true"
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		cfg.Tracing.Insecure = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRatio = f
		}
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

// decryptSecrets replaces "enc:" values with their plaintext.
func (c *Config) decryptSecrets(key string) error {
	var enc crypto.Encryptor
	resolve := func(field string, v *string) error {
		if !crypto.IsEncrypted(*v) {
			return nil
		}
		if enc == nil {
			e, err := crypto.NewAESEncryptor(key)
			if err != nil {
				return fmt.Errorf("%s is encrypted but ENCRYPTION_KEY is unusable: %w", field, err)
			}
			enc = e
		}
		plain, err := crypto.ResolveSecret(enc, *v)
		if err != nil {
			return fmt.Errorf("decrypt %s: %w", field, err)
		}
		*v = plain
		return nil
	}

	for i := range c.Servers {
		if err := resolve("servers["+c.Servers[i].Name+"].password", &c.Servers[i].Password); err != nil {
			return err
		}
	}
	for field, v := range map[string]*string{
		"database.dsn":           &c.Database.DSN,
		"viewer.token":           &c.Viewer.Token,
		"admin.password":         &c.Admin.Password,
		"admin.token":            &c.Admin.Token,
		"push.vapid_private_key": &c.Push.VAPIDPrivateKey,
	} {
		if err := resolve(field, v); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("servers[%d].name is required", i))
			continue
		}
		if strings.ContainsAny(s.Name, "/ ") {
			errs = append(errs, fmt.Errorf("server name %q must not contain '/' or spaces", s.Name))
		}
		key := strings.ToLower(s.Name)
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("duplicate server name %q", s.Name))
		}
		seen[key] = struct{}{}
		if s.Transport != TransportIRC && s.Transport != TransportTwitch {
			errs = append(errs, fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport))
		}
		if s.Transport == TransportIRC && s.Host == "" {
			errs = append(errs, fmt.Errorf("server %q: host is required", s.Name))
		}
		if s.Nick == "" && s.Transport == TransportIRC {
			errs = append(errs, fmt.Errorf("server %q: nick is required", s.Name))
		}
		if s.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("server %q: max_retries must be positive", s.Name))
		}
	}
	if c.Cache.ContextWindow < 0 || c.Cache.BunchMax < 0 {
		errs = append(errs, errors.New("cache.context_window and cache.bunch_max must not be negative"))
	}
	if c.Persist.FlushInterval.Duration <= 0 || c.Persist.LastSeenInterval.Duration <= 0 {
		errs = append(errs, errors.New("persist intervals must be positive"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %v must be between 0 and 1", c.Tracing.SampleRatio))
	}
	return errors.Join(errs...)
}

// ServerNames returns the configured server names in file order.
func (c *Config) ServerNames() []string {
	out := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, s.Name)
	}
	return out
}

// Nicknames returns every nickname the relay uses across servers.
func (c *Config) Nicknames() []string {
	out := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Nick != "" {
			out = append(out, s.Nick)
		}
	}
	return out
}

// Server returns the server named name (case-insensitive).
func (c *Config) Server(name string) (Server, bool) {
	for _, s := range c.Servers {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Server{}, false
}

// Package config loads the YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edumarques81/stellar-stream/internal/domain/stream"
)

// Cache drivers.
const (
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Audio back end names.
const (
	BackendSpeaker = "speaker"
	BackendMPD     = "mpd"
)

// Defaults applied by Load.
const (
	DefaultPort         = 3000
	DefaultLoadTimeout  = 10 * time.Second
	DefaultPollInterval = 6 * time.Second
	DefaultMPDHost      = "localhost"
	DefaultMPDPort      = 6600
	DefaultSQLitePath   = "data/stellar-stream.db"
	DefaultRedisAddr    = "localhost:6379"
	DefaultKeyPrefix    = "stellar:"
	DefaultAPIKeyEnv    = "OPENAI_API_KEY"
	DefaultUpstreamURL  = "https://api.openai.com/v1"
	DefaultModel        = "gpt-4o-mini"
	DefaultTimeout      = 20 * time.Second
	DefaultRateLimit    = 2
	DefaultPurgeEvery   = 6 * time.Hour
)

var (
	// ErrNoBackends indicates the audio section enables nothing.
	ErrNoBackends = errors.New("no audio back ends configured")

	// ErrUnknownBackend indicates an unrecognised back end name.
	ErrUnknownBackend = errors.New("unknown audio back end")

	// ErrUnknownCacheDriver indicates an unrecognised cache driver.
	ErrUnknownCacheDriver = errors.New("unknown cache driver")
)

type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	StaticDir string          `yaml:"static_dir"`
	Debug     bool            `yaml:"debug"`
	Player    PlayerConfig    `yaml:"player"`
	Audio     AudioConfig     `yaml:"audio"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Relay     RelayConfig     `yaml:"relay"`
	Streams   []StreamConfig  `yaml:"streams"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port for net/http.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

type PlayerConfig struct {
	LoadTimeout  time.Duration `yaml:"load_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type AudioConfig struct {
	// Backends lists back ends in order of preference.
	Backends []string  `yaml:"backends"`
	MPD      MPDConfig `yaml:"mpd"`
}

type MPDConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	PasswordEnv string `yaml:"password_env"`
}

type DiscoveryConfig struct {
	Cache    CacheConfig    `yaml:"cache"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

type CacheConfig struct {
	Driver           string        `yaml:"driver"`
	SQLitePath       string        `yaml:"sqlite_path"`
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPasswordEnv string        `yaml:"redis_password_env"`
	KeyPrefix        string        `yaml:"key_prefix"`
	PurgeInterval    time.Duration `yaml:"purge_interval"`
}

type UpstreamConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit int           `yaml:"rate_limit"`
	MaxTokens int           `yaml:"max_tokens"`
}

type RelayConfig struct {
	URL string `yaml:"url"`
}

type StreamConfig struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	StreamURL   string `yaml:"stream_url"`
	MetadataURL string `yaml:"metadata_url"`
	DisplayArt  string `yaml:"display_art"`
	Kind        string `yaml:"kind"`
	Relay       bool   `yaml:"relay"`
}

// Default returns a configuration with every default applied and no streams.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Player.LoadTimeout <= 0 {
		c.Player.LoadTimeout = DefaultLoadTimeout
	}
	if c.Player.PollInterval <= 0 {
		c.Player.PollInterval = DefaultPollInterval
	}
	if len(c.Audio.Backends) == 0 {
		c.Audio.Backends = []string{BackendSpeaker, BackendMPD}
	}
	if c.Audio.MPD.Host == "" {
		c.Audio.MPD.Host = DefaultMPDHost
	}
	if c.Audio.MPD.Port == 0 {
		c.Audio.MPD.Port = DefaultMPDPort
	}

	cache := &c.Discovery.Cache
	if cache.Driver == "" {
		cache.Driver = CacheSQLite
	}
	if cache.SQLitePath == "" {
		cache.SQLitePath = DefaultSQLitePath
	}
	if cache.RedisAddr == "" {
		cache.RedisAddr = DefaultRedisAddr
	}
	if cache.KeyPrefix == "" {
		cache.KeyPrefix = DefaultKeyPrefix
	}
	if cache.PurgeInterval <= 0 {
		cache.PurgeInterval = DefaultPurgeEvery
	}

	up := &c.Discovery.Upstream
	if up.BaseURL == "" {
		up.BaseURL = DefaultUpstreamURL
	}
	if up.Model == "" {
		up.Model = DefaultModel
	}
	if up.APIKeyEnv == "" {
		up.APIKeyEnv = DefaultAPIKeyEnv
	}
	if up.Timeout <= 0 {
		up.Timeout = DefaultTimeout
	}
	if up.RateLimit <= 0 {
		up.RateLimit = DefaultRateLimit
	}

	for i := range c.Streams {
		if c.Streams[i].Kind == "" {
			c.Streams[i].Kind = string(stream.KindStation)
		}
	}
}

// Validate checks back end names, cache driver and the stream list.
func (c *Config) Validate() error {
	if len(c.Audio.Backends) == 0 {
		return ErrNoBackends
	}
	for _, name := range c.Audio.Backends {
		switch name {
		case BackendSpeaker, BackendMPD:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownBackend, name)
		}
	}

	switch c.Discovery.Cache.Driver {
	case CacheSQLite, CacheRedis, CacheNone:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCacheDriver, c.Discovery.Cache.Driver)
	}

	for _, s := range c.Streams {
		switch stream.Kind(s.Kind) {
		case stream.KindStation, stream.KindMix:
		default:
			return fmt.Errorf("stream %q: unknown kind %q", s.ID, s.Kind)
		}
	}

	if _, err := c.Catalog(); err != nil {
		return err
	}
	return nil
}

// Catalog builds the stream catalog. Descriptors without a stream_url are
// accepted here; playing one fails with a configuration error.
func (c *Config) Catalog() (*stream.Catalog, error) {
	items := make([]stream.Descriptor, 0, len(c.Streams))
	for _, s := range c.Streams {
		items = append(items, stream.Descriptor{
			ID:          s.ID,
			Title:       s.Title,
			StreamURL:   s.StreamURL,
			MetadataURL: s.MetadataURL,
			DisplayArt:  s.DisplayArt,
			Kind:        stream.Kind(s.Kind),
			Relay:       s.Relay,
		})
	}
	return stream.NewCatalog(items)
}

// Secret reads an environment variable named by the config. An empty name
// yields an empty secret.
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"streamguard/work/logger"
)

// Default User-Agent strings for the upstream strategy chain.
const (
	DefaultSTBUserAgent     = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"
	DefaultMediaUserAgent   = "VLC/3.0.18 LibVLC/3.0.18"
	DefaultBrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultAcceptLanguage   = "en-US,en;q=0.9"

	// DefaultConfigPath is where the container image mounts its settings.
	DefaultConfigPath = "/settings/config.json"

	envPrefix = "STREAMGUARD"
)

// ErrProxyEndpointMissing is returned when playback is started without a
// proxy endpoint. Retrying cannot fix it, so it is reported immediately.
var ErrProxyEndpointMissing = errors.New("player proxy endpoint is not configured")

// Config holds every runtime setting for the proxy server and the player engine.
type Config struct {
	ListenAddr          string         `json:"listenAddr"`          // Address the HTTP server binds to
	BaseURL             string         `json:"baseURL"`             // Public base URL; empty derives it from each request
	ProxyPath           string         `json:"proxyPath"`           // Route of the fetch proxy
	Debug               bool           `json:"debug"`               // Enable debug logging
	LogLevel            string         `json:"logLevel"`            // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls       bool           `json:"obfuscateUrls"`       // Obfuscate URLs in logs
	WorkerThreads       int            `json:"workerThreads"`       // Size of the upstream worker pool
	BufferSize          int64          `json:"bufferSize"`          // Segment copy buffer size in bytes
	ManifestCacheTTL    time.Duration  `json:"manifestCacheTTL"`    // Lifetime of a rewritten manifest
	ManifestCacheSize   int            `json:"manifestCacheSize"`   // Maximum cached manifests
	UpstreamRatePerHost int            `json:"upstreamRatePerHost"` // Requests per second allowed per origin host
	Strategies          StrategyConfig `json:"strategies"`
	Retry               RetryConfig    `json:"retry"`
	Player              PlayerConfig   `json:"player"`
}

// StrategyConfig tunes the header impersonation chain.
type StrategyConfig struct {
	STBUserAgent     string `json:"stbUserAgent"`
	MediaUserAgent   string `json:"mediaUserAgent"`
	BrowserUserAgent string `json:"browserUserAgent"` // Fallback when the caller sent no User-Agent
	AcceptLanguage   string `json:"acceptLanguage"`   // Fallback when the caller sent no Accept-Language
	STBAttempts      int    `json:"stbAttempts"`
	MediaAttempts    int    `json:"mediaAttempts"`
	BrowserAttempts  int    `json:"browserAttempts"`
}

// RetryConfig holds the per-attempt backoff and timeout escalation.
type RetryConfig struct {
	BaseDelay   time.Duration `json:"baseDelay"`
	Factor      float64       `json:"factor"`
	Timeout     time.Duration `json:"timeout"`     // First attempt timeout
	TimeoutStep time.Duration `json:"timeoutStep"` // Added per subsequent attempt
}

// PlayerConfig is read by the player engine (watch command).
type PlayerConfig struct {
	ProxyEndpoint string `json:"proxyEndpoint"` // Absolute URL of the fetch proxy route
	Autoplay      bool   `json:"autoplay"`
	PageSecure    bool   `json:"pageSecure"` // Treat the embedding page as HTTPS
}

// ConfigFile mirrors Config with durations kept as strings ("4s", "500ms").
type ConfigFile struct {
	ListenAddr          string             `json:"listenAddr" mapstructure:"listenAddr"`
	BaseURL             string             `json:"baseURL" mapstructure:"baseURL"`
	ProxyPath           string             `json:"proxyPath" mapstructure:"proxyPath"`
	Debug               bool               `json:"debug" mapstructure:"debug"`
	LogLevel            string             `json:"logLevel" mapstructure:"logLevel"`
	ObfuscateUrls       bool               `json:"obfuscateUrls" mapstructure:"obfuscateUrls"`
	WorkerThreads       int                `json:"workerThreads" mapstructure:"workerThreads"`
	BufferSize          int64              `json:"bufferSize" mapstructure:"bufferSize"`
	ManifestCacheTTL    string             `json:"manifestCacheTTL" mapstructure:"manifestCacheTTL"`
	ManifestCacheSize   int                `json:"manifestCacheSize" mapstructure:"manifestCacheSize"`
	UpstreamRatePerHost int                `json:"upstreamRatePerHost" mapstructure:"upstreamRatePerHost"`
	Strategies          StrategyConfigFile `json:"strategies" mapstructure:"strategies"`
	Retry               RetryConfigFile    `json:"retry" mapstructure:"retry"`
	Player              PlayerConfigFile   `json:"player" mapstructure:"player"`
}

type StrategyConfigFile struct {
	STBUserAgent     string `json:"stbUserAgent" mapstructure:"stbUserAgent"`
	MediaUserAgent   string `json:"mediaUserAgent" mapstructure:"mediaUserAgent"`
	BrowserUserAgent string `json:"browserUserAgent" mapstructure:"browserUserAgent"`
	AcceptLanguage   string `json:"acceptLanguage" mapstructure:"acceptLanguage"`
	STBAttempts      int    `json:"stbAttempts" mapstructure:"stbAttempts"`
	MediaAttempts    int    `json:"mediaAttempts" mapstructure:"mediaAttempts"`
	BrowserAttempts  int    `json:"browserAttempts" mapstructure:"browserAttempts"`
}

type RetryConfigFile struct {
	BaseDelay   string  `json:"baseDelay" mapstructure:"baseDelay"`
	Factor      float64 `json:"factor" mapstructure:"factor"`
	Timeout     string  `json:"timeout" mapstructure:"timeout"`
	TimeoutStep string  `json:"timeoutStep" mapstructure:"timeoutStep"`
}

type PlayerConfigFile struct {
	ProxyEndpoint string `json:"proxyEndpoint" mapstructure:"proxyEndpoint"`
	Autoplay      bool   `json:"autoplay" mapstructure:"autoplay"`
	PageSecure    bool   `json:"pageSecure" mapstructure:"pageSecure"`
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig returns the cached configuration, loading it from path on the
// first call. A load failure is logged and replaced by the defaults so the
// server can still come up; use Load to get the error instead.
func LoadConfig(path string) *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	cfg, err := Load(path)
	if err != nil {
		logger.Error("{config - LoadConfig} failed to load config: %v", err)
		logger.Warn("{config - LoadConfig} falling back to default configuration")
		cfg = getDefaultConfig()
	}

	configCache = cfg

	if cfg.Debug {
		logger.Debug("{config - LoadConfig} listen=%s proxyPath=%s workers=%d cacheTTL=%s cacheSize=%d",
			cfg.ListenAddr, cfg.ProxyPath, cfg.WorkerThreads, cfg.ManifestCacheTTL, cfg.ManifestCacheSize)
	}

	return cfg
}

// ClearConfigCache forces the next LoadConfig call to read the file again.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// Load reads configuration with precedence env > file > defaults. An optional
// .env file in the working directory is applied to the environment first.
// An empty path searches /settings and the working directory for
// config.json; a missing file in that case is not an error.
func Load(path string) (*Config, error) {

	// a missing .env is the normal case
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("json")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("/settings")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cf ConfigFile
	if err := v.Unmarshal(&cf); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg, err := convertFromFile(&cf)
	if err != nil {
		return nil, err
	}

	validateAndSetDefaults(cfg)
	logger.SetLogLevel(cfg.LogLevel)

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	d := ToFile(getDefaultConfig())

	v.SetDefault("listenAddr", d.ListenAddr)
	v.SetDefault("baseURL", d.BaseURL)
	v.SetDefault("proxyPath", d.ProxyPath)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("logLevel", d.LogLevel)
	v.SetDefault("obfuscateUrls", d.ObfuscateUrls)
	v.SetDefault("workerThreads", d.WorkerThreads)
	v.SetDefault("bufferSize", d.BufferSize)
	v.SetDefault("manifestCacheTTL", d.ManifestCacheTTL)
	v.SetDefault("manifestCacheSize", d.ManifestCacheSize)
	v.SetDefault("upstreamRatePerHost", d.UpstreamRatePerHost)

	v.SetDefault("strategies.stbUserAgent", d.Strategies.STBUserAgent)
	v.SetDefault("strategies.mediaUserAgent", d.Strategies.MediaUserAgent)
	v.SetDefault("strategies.browserUserAgent", d.Strategies.BrowserUserAgent)
	v.SetDefault("strategies.acceptLanguage", d.Strategies.AcceptLanguage)
	v.SetDefault("strategies.stbAttempts", d.Strategies.STBAttempts)
	v.SetDefault("strategies.mediaAttempts", d.Strategies.MediaAttempts)
	v.SetDefault("strategies.browserAttempts", d.Strategies.BrowserAttempts)

	v.SetDefault("retry.baseDelay", d.Retry.BaseDelay)
	v.SetDefault("retry.factor", d.Retry.Factor)
	v.SetDefault("retry.timeout", d.Retry.Timeout)
	v.SetDefault("retry.timeoutStep", d.Retry.TimeoutStep)

	v.SetDefault("player.proxyEndpoint", d.Player.ProxyEndpoint)
	v.SetDefault("player.autoplay", d.Player.Autoplay)
	v.SetDefault("player.pageSecure", d.Player.PageSecure)
}

// convertFromFile parses the duration strings of a ConfigFile.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		ListenAddr:          cf.ListenAddr,
		BaseURL:             strings.TrimRight(cf.BaseURL, "/"),
		ProxyPath:           cf.ProxyPath,
		Debug:               cf.Debug,
		LogLevel:            cf.LogLevel,
		ObfuscateUrls:       cf.ObfuscateUrls,
		WorkerThreads:       cf.WorkerThreads,
		BufferSize:          cf.BufferSize,
		ManifestCacheSize:   cf.ManifestCacheSize,
		UpstreamRatePerHost: cf.UpstreamRatePerHost,
		Strategies: StrategyConfig{
			STBUserAgent:     cf.Strategies.STBUserAgent,
			MediaUserAgent:   cf.Strategies.MediaUserAgent,
			BrowserUserAgent: cf.Strategies.BrowserUserAgent,
			AcceptLanguage:   cf.Strategies.AcceptLanguage,
			STBAttempts:      cf.Strategies.STBAttempts,
			MediaAttempts:    cf.Strategies.MediaAttempts,
			BrowserAttempts:  cf.Strategies.BrowserAttempts,
		},
		Retry: RetryConfig{
			Factor: cf.Retry.Factor,
		},
		Player: PlayerConfig{
			ProxyEndpoint: cf.Player.ProxyEndpoint,
			Autoplay:      cf.Player.Autoplay,
			PageSecure:    cf.Player.PageSecure,
		},
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"manifestCacheTTL", cf.ManifestCacheTTL, &cfg.ManifestCacheTTL},
		{"retry.baseDelay", cf.Retry.BaseDelay, &cfg.Retry.BaseDelay},
		{"retry.timeout", cf.Retry.Timeout, &cfg.Retry.Timeout},
		{"retry.timeoutStep", cf.Retry.TimeoutStep, &cfg.Retry.TimeoutStep},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// ToFile converts a Config back to its file representation.
func ToFile(cfg *Config) *ConfigFile {
	return &ConfigFile{
		ListenAddr:          cfg.ListenAddr,
		BaseURL:             cfg.BaseURL,
		ProxyPath:           cfg.ProxyPath,
		Debug:               cfg.Debug,
		LogLevel:            cfg.LogLevel,
		ObfuscateUrls:       cfg.ObfuscateUrls,
		WorkerThreads:       cfg.WorkerThreads,
		BufferSize:          cfg.BufferSize,
		ManifestCacheTTL:    cfg.ManifestCacheTTL.String(),
		ManifestCacheSize:   cfg.ManifestCacheSize,
		UpstreamRatePerHost: cfg.UpstreamRatePerHost,
		Strategies: StrategyConfigFile{
			STBUserAgent:     cfg.Strategies.STBUserAgent,
			MediaUserAgent:   cfg.Strategies.MediaUserAgent,
			BrowserUserAgent: cfg.Strategies.BrowserUserAgent,
			AcceptLanguage:   cfg.Strategies.AcceptLanguage,
			STBAttempts:      cfg.Strategies.STBAttempts,
			MediaAttempts:    cfg.Strategies.MediaAttempts,
			BrowserAttempts:  cfg.Strategies.BrowserAttempts,
		},
		Retry: RetryConfigFile{
			BaseDelay:   cfg.Retry.BaseDelay.String(),
			Factor:      cfg.Retry.Factor,
			Timeout:     cfg.Retry.Timeout.String(),
			TimeoutStep: cfg.Retry.TimeoutStep.String(),
		},
		Player: PlayerConfigFile{
			ProxyEndpoint: cfg.Player.ProxyEndpoint,
			Autoplay:      cfg.Player.Autoplay,
			PageSecure:    cfg.Player.PageSecure,
		},
	}
}

// getDefaultConfig returns the baseline used when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:          ":8080",
		BaseURL:             "",
		ProxyPath:           "/stream-proxy",
		Debug:               false,
		LogLevel:            "INFO",
		ObfuscateUrls:       false,
		WorkerThreads:       8,
		BufferSize:          32 * 1024,
		ManifestCacheTTL:    4 * time.Second,
		ManifestCacheSize:   100,
		UpstreamRatePerHost: 50,
		Strategies: StrategyConfig{
			STBUserAgent:     DefaultSTBUserAgent,
			MediaUserAgent:   DefaultMediaUserAgent,
			BrowserUserAgent: DefaultBrowserUserAgent,
			AcceptLanguage:   DefaultAcceptLanguage,
			STBAttempts:      3,
			MediaAttempts:    2,
			BrowserAttempts:  1,
		},
		Retry: RetryConfig{
			BaseDelay:   500 * time.Millisecond,
			Factor:      2,
			Timeout:     12 * time.Second,
			TimeoutStep: 3 * time.Second,
		},
		Player: PlayerConfig{
			Autoplay: true,
		},
	}
}

// Defaults returns a fresh copy of the built-in configuration.
func Defaults() *Config {
	cfg := getDefaultConfig()
	validateAndSetDefaults(cfg)
	return cfg
}

// validateAndSetDefaults fills zero or invalid values from the defaults.
func validateAndSetDefaults(cfg *Config) {
	d := getDefaultConfig()

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if cfg.ProxyPath == "" {
		cfg.ProxyPath = d.ProxyPath
	}
	if !strings.HasPrefix(cfg.ProxyPath, "/") {
		cfg.ProxyPath = "/" + cfg.ProxyPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.Debug {
		cfg.LogLevel = "DEBUG"
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = d.WorkerThreads
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.ManifestCacheTTL <= 0 {
		cfg.ManifestCacheTTL = d.ManifestCacheTTL
	}
	if cfg.ManifestCacheSize <= 0 {
		cfg.ManifestCacheSize = d.ManifestCacheSize
	}
	if cfg.UpstreamRatePerHost <= 0 {
		cfg.UpstreamRatePerHost = d.UpstreamRatePerHost
	}

	s := &cfg.Strategies
	if s.STBUserAgent == "" {
		s.STBUserAgent = d.Strategies.STBUserAgent
	}
	if s.MediaUserAgent == "" {
		s.MediaUserAgent = d.Strategies.MediaUserAgent
	}
	if s.BrowserUserAgent == "" {
		s.BrowserUserAgent = d.Strategies.BrowserUserAgent
	}
	if s.AcceptLanguage == "" {
		s.AcceptLanguage = d.Strategies.AcceptLanguage
	}
	if s.STBAttempts <= 0 {
		s.STBAttempts = d.Strategies.STBAttempts
	}
	if s.MediaAttempts <= 0 {
		s.MediaAttempts = d.Strategies.MediaAttempts
	}
	if s.BrowserAttempts <= 0 {
		s.BrowserAttempts = d.Strategies.BrowserAttempts
	}

	r := &cfg.Retry
	if r.BaseDelay <= 0 {
		r.BaseDelay = d.Retry.BaseDelay
	}
	if r.Factor < 1 {
		r.Factor = d.Retry.Factor
	}
	if r.Timeout <= 0 {
		r.Timeout = d.Retry.Timeout
	}
	if r.TimeoutStep < 0 {
		r.TimeoutStep = d.Retry.TimeoutStep
	}
}

// RequirePlayer checks the settings the player cannot start without.
func (c *Config) RequirePlayer() error {
	if strings.TrimSpace(c.Player.ProxyEndpoint) == "" {
		return ErrProxyEndpointMissing
	}
	return nil
}

// CreateExampleConfig writes the default configuration as indented JSON.
func CreateExampleConfig(path string) error {
	example := ToFile(Defaults())
	example.Player.ProxyEndpoint = "http://localhost:8080/stream-proxy"
	example.ObfuscateUrls = true

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/voxrelay/pkg/configutil"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Provider      ProviderConfig      `mapstructure:"provider"`
	Session       SessionConfig       `mapstructure:"session"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
	Dub           DubConfig           `mapstructure:"dub"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type ServerConfig struct {
	Port                int      `mapstructure:"port"`
	WSPath              string   `mapstructure:"ws_path"`
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
	ReadHeaderTimeoutMS int      `mapstructure:"read_header_timeout_ms"`
	ShutdownTimeoutMS   int      `mapstructure:"shutdown_timeout_ms"`
}

type ProviderConfig struct {
	APIKey        string `mapstructure:"api_key"`
	APIBase       string `mapstructure:"api_base"`
	WSURL         string `mapstructure:"ws_url"`
	RESTTTSURL    string `mapstructure:"rest_tts_url"`
	TokenHeader   string `mapstructure:"token_header"`
	HTTPTimeoutMS int    `mapstructure:"http_timeout_ms"`
}

type SessionConfig struct {
	KeepaliveIntervalMS int    `mapstructure:"keepalive_interval_ms"`
	WatchdogMS          int    `mapstructure:"watchdog_ms"`
	DefaultVoiceID      string `mapstructure:"default_voice_id"`
	RESTFallback        bool   `mapstructure:"rest_fallback"`
	ClientBuffer        int    `mapstructure:"client_buffer"`
	HandshakeTimeoutMS  int    `mapstructure:"handshake_timeout_ms"`
}

type ResilienceConfig struct {
	RESTBreakerThreshold  int `mapstructure:"rest_breaker_threshold"`
	RESTBreakerCooldownMS int `mapstructure:"rest_breaker_cooldown_ms"`
}

type DubConfig struct {
	MaxUploadMB int `mapstructure:"max_upload_mb"`
}

type ObservabilityConfig struct {
	SentryDSN         string  `mapstructure:"sentry_dsn"`
	MetricsEnabled    bool    `mapstructure:"metrics_enabled"`
	MetricsSampleRate float64 `mapstructure:"metrics_sample_rate"`
	MetricsBuffer     int     `mapstructure:"metrics_buffer"`
}

type PrivacyConfig struct {
	RedactSecrets bool `mapstructure:"redact_secrets"`
}

const (
	DefaultAPIBase = "https://api.murf.ai"
	DefaultOrigin  = "https://lambent-caramel-605436.netlify.app"
)

var envBindings = map[string]string{
	"server.port":                   "PORT",
	"server.allowed_origins":        "FRONTEND_ORIGIN",
	"provider.api_key":              "MURF_API_KEY",
	"provider.api_base":             "MURF_API_BASE",
	"provider.ws_url":               "MURF_WS_URL",
	"provider.rest_tts_url":         "MURF_REST_TTS_URL",
	"log_level":                     "LOG_LEVEL",
	"log_format":                    "LOG_FORMAT",
	"environment":                   "ENVIRONMENT",
	"observability.sentry_dsn":      "SENTRY_DSN",
	"observability.metrics_enabled": "METRICS_ENABLED",
	"session.default_voice_id":      "DEFAULT_VOICE_ID",
	"session.rest_fallback":         "REST_FALLBACK",
}

// Load reads configuration from .env, an optional config file and the
// process environment, in increasing order of precedence.
func Load(path string) (Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.ws_path", "/ws/tts")
	v.SetDefault("server.allowed_origins", []string{DefaultOrigin})
	v.SetDefault("server.read_header_timeout_ms", 5000)
	v.SetDefault("server.shutdown_timeout_ms", 10000)
	v.SetDefault("provider.api_base", DefaultAPIBase)
	v.SetDefault("provider.ws_url", "")
	v.SetDefault("provider.rest_tts_url", "")
	v.SetDefault("provider.token_header", "murf-api-token")
	v.SetDefault("provider.http_timeout_ms", 30000)
	v.SetDefault("session.keepalive_interval_ms", 20000)
	v.SetDefault("session.watchdog_ms", 2000)
	v.SetDefault("session.default_voice_id", "en-US-natalie")
	v.SetDefault("session.rest_fallback", true)
	v.SetDefault("session.client_buffer", 256)
	v.SetDefault("session.handshake_timeout_ms", 10000)
	v.SetDefault("resilience.rest_breaker_threshold", 3)
	v.SetDefault("resilience.rest_breaker_cooldown_ms", 30000)
	v.SetDefault("dub.max_upload_mb", 10)
	v.SetDefault("observability.sentry_dsn", "")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.metrics_sample_rate", 1.0)
	v.SetDefault("observability.metrics_buffer", 1024)
	v.SetDefault("privacy.redact_secrets", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// applyDerived fills endpoint URLs that default relative to the API base and
// normalizes list values that may arrive as comma separated strings.
func (c *Config) applyDerived() {
	c.Provider.APIBase = strings.TrimRight(strings.TrimSpace(c.Provider.APIBase), "/")
	if c.Provider.APIBase == "" {
		c.Provider.APIBase = DefaultAPIBase
	}
	if strings.TrimSpace(c.Provider.WSURL) == "" {
		c.Provider.WSURL = websocketBase(c.Provider.APIBase) + "/v1/speech/stream-input"
	}
	if strings.TrimSpace(c.Provider.RESTTTSURL) == "" {
		c.Provider.RESTTTSURL = c.Provider.APIBase + "/v1/speech/generate"
	}
	c.Provider.APIKey = strings.TrimSpace(c.Provider.APIKey)

	var origins []string
	for _, o := range c.Server.AllowedOrigins {
		origins = append(origins, configutil.SplitList(o)...)
	}
	c.Server.AllowedOrigins = origins
}

func websocketBase(apiBase string) string {
	switch {
	case strings.HasPrefix(apiBase, "https://"):
		return "wss://" + strings.TrimPrefix(apiBase, "https://")
	case strings.HasPrefix(apiBase, "http://"):
		return "ws://" + strings.TrimPrefix(apiBase, "http://")
	default:
		return apiBase
	}
}

func (c *Config) Validate() error {
	var errs []error
	if err := configutil.RequireString(c.Provider.APIKey, "provider.api_key (MURF_API_KEY)"); err != nil {
		errs = append(errs, err)
	} else if err := configutil.RequireASCII(c.Provider.APIKey, "provider.api_key (MURF_API_KEY)"); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535"))
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path must start with /"))
	}
	for path, raw := range map[string]string{
		"provider.api_base":     c.Provider.APIBase,
		"provider.ws_url":       c.Provider.WSURL,
		"provider.rest_tts_url": c.Provider.RESTTTSURL,
	} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL", path))
		}
	}
	if c.Session.KeepaliveIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("session.keepalive_interval_ms must be positive"))
	}
	if c.Session.ClientBuffer <= 0 {
		errs = append(errs, fmt.Errorf("session.client_buffer must be positive"))
	}
	if c.Observability.MetricsSampleRate < 0 || c.Observability.MetricsSampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.metrics_sample_rate must be within [0,1]"))
	}
	return errors.Join(errs...)
}

func (c ServerConfig) Addr() string { return fmt.Sprintf(":%d", c.Port) }

func (c ServerConfig) ReadHeaderTimeout() time.Duration {
	return ms(c.ReadHeaderTimeoutMS)
}

func (c ServerConfig) ShutdownTimeout() time.Duration { return ms(c.ShutdownTimeoutMS) }

func (c ProviderConfig) HTTPTimeout() time.Duration { return ms(c.HTTPTimeoutMS) }

func (c SessionConfig) KeepaliveInterval() time.Duration { return ms(c.KeepaliveIntervalMS) }

func (c SessionConfig) Watchdog() time.Duration { return ms(c.WatchdogMS) }

func (c SessionConfig) HandshakeTimeout() time.Duration { return ms(c.HandshakeTimeoutMS) }

func (c ResilienceConfig) RESTBreakerCooldown() time.Duration {
	return ms(c.RESTBreakerCooldownMS)
}

func ms(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}

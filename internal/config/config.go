// Package config loads service settings from an optional YAML file and the
// environment. Environment values win.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LP75/authenticite-image/internal/bridge"
)

// Config holds every runtime setting of the service.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`

	Interpreter        string `yaml:"interpreter"`
	LocalizeScript     string `yaml:"localize_script"`
	ReferenceData      string `yaml:"reference_data"`
	AuthenticityScript string `yaml:"authenticity_script"`

	IgnoredPatterns []string      `yaml:"ignored_patterns"`
	StderrFilter    string        `yaml:"stderr_filter"`
	ScriptTimeout   time.Duration `yaml:"script_timeout"`
	AnalyzeParallel bool          `yaml:"analyze_parallel"`

	UploadDir        string `yaml:"upload_dir"`
	MaxUploadSize    int64  `yaml:"max_upload_size"`
	RequireImageMIME bool   `yaml:"require_image_mime"`
	PublicDir        string `yaml:"public_dir"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CachePrefix   string        `yaml:"cache_prefix"`

	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		HTTPAddr:           ":3000",
		ShutdownTimeout:    15 * time.Second,
		LogLevel:           "info",
		Interpreter:        "python",
		LocalizeScript:     "image_process_node.py",
		ReferenceData:      "output_features_30K.pkl",
		AuthenticityScript: "score_authenticite.py",
		IgnoredPatterns:    bridge.DefaultIgnoredPatterns().Patterns(),
		StderrFilter:       "chunk",
		UploadDir:          "uploads",
		MaxUploadSize:      10 << 20,
		PublicDir:          "public",
		CacheTTL:           10 * time.Minute,
		CachePrefix:        "authenticite:",
	}
}

// Load reads CONFIG_FILE when set and applies environment overrides.
func Load() (Config, error) {
	return load(os.LookupEnv, "")
}

// LoadFile is Load with an explicit config file, which takes precedence over
// CONFIG_FILE.
func LoadFile(path string) (Config, error) {
	return load(os.LookupEnv, path)
}

func load(lookup func(string) (string, bool), path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path, _ = lookup("CONFIG_FILE")
	}
	if path = strings.TrimSpace(path); path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}

	env := envReader{lookup: lookup}
	env.str("HTTP_ADDR", &cfg.HTTPAddr)
	env.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.rawStr("PYTHON_BIN", &cfg.Interpreter)
	env.str("LOCALIZE_SCRIPT", &cfg.LocalizeScript)
	env.str("REFERENCE_DATA", &cfg.ReferenceData)
	env.str("AUTHENTICITY_SCRIPT", &cfg.AuthenticityScript)
	env.list("IGNORED_PATTERNS", &cfg.IgnoredPatterns)
	env.str("STDERR_FILTER", &cfg.StderrFilter)
	env.duration("SCRIPT_TIMEOUT", &cfg.ScriptTimeout)
	env.boolean("ANALYZE_PARALLEL", &cfg.AnalyzeParallel)
	env.str("UPLOAD_DIR", &cfg.UploadDir)
	env.int64("MAX_UPLOAD_SIZE", &cfg.MaxUploadSize)
	env.boolean("REQUIRE_IMAGE_MIME", &cfg.RequireImageMIME)
	env.str("PUBLIC_DIR", &cfg.PublicDir)
	env.str("REDIS_ADDR", &cfg.RedisAddr)
	env.str("REDIS_PASSWORD", &cfg.RedisPassword)
	env.integer("REDIS_DB", &cfg.RedisDB)
	env.duration("CACHE_TTL", &cfg.CacheTTL)
	env.rawStr("CACHE_PREFIX", &cfg.CachePrefix)
	env.str("JWT_SECRET", &cfg.JWTSecret)
	env.str("JWT_AUDIENCE", &cfg.JWTAudience)
	if env.err != nil {
		return Config{}, env.err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR must not be empty")
	}
	if c.LocalizeScript == "" {
		return errors.New("LOCALIZE_SCRIPT must not be empty")
	}
	if c.AuthenticityScript == "" {
		return errors.New("AUTHENTICITY_SCRIPT must not be empty")
	}
	if _, err := bridge.ParseFilterMode(c.StderrFilter); err != nil {
		return fmt.Errorf("STDERR_FILTER: %w", err)
	}
	if c.ScriptTimeout < 0 {
		return errors.New("SCRIPT_TIMEOUT must not be negative")
	}
	if c.MaxUploadSize <= 0 {
		return errors.New("MAX_UPLOAD_SIZE must be positive")
	}
	if c.CacheTTL < 0 {
		return errors.New("CACHE_TTL must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

// FilterMode returns the parsed stderr filter mode.
func (c Config) FilterMode() bridge.FilterMode {
	mode, _ := bridge.ParseFilterMode(c.StderrFilter)
	return mode
}

// CacheEnabled reports whether results should be cached in Redis.
func (c Config) CacheEnabled() bool {
	return c.RedisAddr != "" && c.CacheTTL > 0
}

// AuthEnabled reports whether POST routes require a bearer token.
func (c Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) value(key string) (string, bool) {
	raw, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.value(key); ok {
		*dst = v
	}
}

// rawStr lets a set but empty variable clear the value.
func (e *envReader) rawStr(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ";") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.value(key)
	if !ok || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.value(key)
	if !ok || e.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.value(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) int64(key string, dst *int64) {
	v, ok := e.value(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

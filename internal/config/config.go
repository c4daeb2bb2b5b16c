// Package config loads the preview settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"go-live-preview/internal/cache"
	"go-live-preview/internal/coordinator"
	"go-live-preview/internal/render"
	"go-live-preview/internal/scrollsync"
)

// ErrInvalid is returned for configurations that fail validation.
var ErrInvalid = errors.New("invalid configuration")

// FileName is the default configuration file name.
const FileName = "go-live-preview.yaml"

// Config holds every user-facing setting.
type Config struct {
	// Addr is the listen address of the preview server.
	Addr string `yaml:"addr"`

	MarkdownStyle          string          `yaml:"markdown_style"`
	CodeTheme              string          `yaml:"code_theme"`
	CustomCSS              string          `yaml:"custom_css"`
	FootnoteLinks          bool            `yaml:"footnote_links"`
	ExternalLinksNewWindow bool            `yaml:"external_links_new_window"`
	Platform               render.Platform `yaml:"platform"`

	// ScrollSync enables scroll synchronization in both directions.
	ScrollSync          bool          `yaml:"scroll_sync"`
	UpdateDelay         time.Duration `yaml:"update_delay"`
	SlowRenderThreshold time.Duration `yaml:"slow_render_threshold"`

	// LogFile redirects logging. Empty keeps the process default.
	LogFile string `yaml:"log_file"`

	Cache  CacheConfig  `yaml:"cache"`
	Scroll ScrollConfig `yaml:"scroll"`
}

// CacheConfig holds render cache limits.
type CacheConfig struct {
	MaxEntries      int           `yaml:"max_entries"`
	TTL             time.Duration `yaml:"ttl"`
	MaxMemoryMB     int64         `yaml:"max_memory_mb"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	ClearOnClose    bool          `yaml:"clear_on_close"`
}

// ScrollConfig holds scroll sync timing.
type ScrollConfig struct {
	SourceDebounce  time.Duration `yaml:"source_debounce"`
	SurfaceDebounce time.Duration `yaml:"surface_debounce"`
	SuppressWindow  time.Duration `yaml:"suppress_window"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	opts := render.DefaultOptions()
	return &Config{
		Addr:                   "127.0.0.1:8765",
		MarkdownStyle:          opts.MarkdownStyle,
		CodeTheme:              opts.CodeTheme,
		ExternalLinksNewWindow: opts.ExternalLinksNewWindow,
		Platform:               opts.Platform,
		ScrollSync:             true,
		UpdateDelay:            coordinator.DefaultDelay,
		SlowRenderThreshold:    coordinator.DefaultSlowRender,
		Cache: CacheConfig{
			MaxEntries:      cache.DefaultMaxEntries,
			TTL:             cache.DefaultTTL,
			MaxMemoryMB:     cache.DefaultMaxMemory / (1024 * 1024),
			CleanupInterval: time.Minute,
			ClearOnClose:    true,
		},
		Scroll: ScrollConfig{
			SourceDebounce:  scrollsync.SourceDebounce,
			SurfaceDebounce: scrollsync.SurfaceDebounce,
			SuppressWindow:  scrollsync.SuppressWindow,
		},
	}
}

// Load reads path over the defaults. A missing file yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks limits, the platform and scroll timing.
func (c *Config) Validate() error {
	if !c.Platform.Valid() {
		return fmt.Errorf("%w: platform %q not in %v", ErrInvalid, c.Platform, render.Platforms)
	}
	if c.UpdateDelay <= 0 {
		return fmt.Errorf("%w: update_delay must be positive", ErrInvalid)
	}
	if c.SlowRenderThreshold <= 0 {
		return fmt.Errorf("%w: slow_render_threshold must be positive", ErrInvalid)
	}
	if c.Cache.MaxEntries <= 0 || c.Cache.TTL <= 0 || c.Cache.MaxMemoryMB <= 0 {
		return fmt.Errorf("%w: cache limits must be positive", ErrInvalid)
	}
	if c.Cache.CleanupInterval < 0 {
		return fmt.Errorf("%w: cache.cleanup_interval must not be negative", ErrInvalid)
	}
	if err := c.Timing().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// RenderOptions converts the presentation settings.
func (c *Config) RenderOptions() render.Options {
	return render.Options{
		MarkdownStyle:          c.MarkdownStyle,
		CodeTheme:              c.CodeTheme,
		CustomCSS:              c.CustomCSS,
		FootnoteLinks:          c.FootnoteLinks,
		ExternalLinksNewWindow: c.ExternalLinksNewWindow,
		Platform:               c.Platform,
	}
}

// Timing converts the scroll settings.
func (c *Config) Timing() scrollsync.Timing {
	return scrollsync.Timing{
		SourceDebounce:  c.Scroll.SourceDebounce,
		SurfaceDebounce: c.Scroll.SurfaceDebounce,
		SuppressWindow:  c.Scroll.SuppressWindow,
	}
}

// CacheOptions converts the cache limits.
func (c *Config) CacheOptions() []cache.Option {
	return []cache.Option{
		cache.WithMaxEntries(c.Cache.MaxEntries),
		cache.WithTTL(c.Cache.TTL),
		cache.WithMaxMemory(c.Cache.MaxMemoryMB * 1024 * 1024),
	}
}

// CoordinatorOptions converts the update settings.
func (c *Config) CoordinatorOptions() []coordinator.Option {
	return []coordinator.Option{
		coordinator.WithDelay(c.UpdateDelay),
		coordinator.WithSlowRenderThreshold(c.SlowRenderThreshold),
		coordinator.WithClearOnClose(c.Cache.ClearOnClose),
	}
}

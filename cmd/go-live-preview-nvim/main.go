package main

import (
	"log"
	"os"
	"path/filepath"

	"go-live-preview/internal/config"
	"go-live-preview/internal/host"

	"github.com/neovim/go-client/nvim/plugin"
)

// configPath prefers $GO_LIVE_PREVIEW_CONFIG, then the user config dir.
func configPath() string {
	if p := os.Getenv("GO_LIVE_PREVIEW_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return config.FileName
	}
	return filepath.Join(dir, "go-live-preview", config.FileName)
}

// Stdout is the RPC channel to Neovim, so logs go to stderr or log_file.
func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		log.Printf("[go-live-preview] config: %v; using defaults", err)
		cfg = config.Default()
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("[go-live-preview] log file: %v", err)
		} else {
			defer f.Close()
			log.SetOutput(f)
		}
	}

	plugin.Main(func(p *plugin.Plugin) error {
		log.Println("[go-live-preview] registering handlers")
		return host.Register(p, cfg)
	})
}

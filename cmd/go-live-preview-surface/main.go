// Command go-live-preview-surface is a headless rendering surface. It
// connects to a running preview server, applies every update to its own
// content tree and writes the result to a file after each message.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-live-preview/internal/scrollsync"
	"go-live-preview/internal/surface"
	httpserver "go-live-preview/internal/transport/http"
)

func main() {
	url := flag.String("url", "http://127.0.0.1:8765", "preview server URL")
	out := flag.String("out", "preview.html", "file receiving the live content")
	theme := flag.String("code-theme", "", "code theme to request after connecting")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *url, *out, *theme); err != nil {
		log.Fatalf("[go-live-preview] surface: %v", err)
	}
}

func run(ctx context.Context, url, out, theme string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := httpserver.Dial(dialCtx, url)
	if err != nil {
		return err
	}

	s, err := surface.New(client, scrollsync.DefaultTiming())
	if err != nil {
		_ = client.Close()
		return err
	}
	defer s.Close()

	go func() {
		<-ctx.Done()
		_ = client.Close()
	}()

	if err := s.Ready(); err != nil {
		return err
	}
	if theme != "" {
		if err := s.ChooseCodeTheme(theme); err != nil {
			return err
		}
	}

	err = client.Run(func(raw []byte) {
		if err := s.HandleRaw(raw); err != nil {
			return
		}
		if err := os.WriteFile(out, []byte(s.HTML()), 0o644); err != nil {
			log.Printf("[go-live-preview] surface: write %s: %v", out, err)
			_ = s.ReportError(err.Error())
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

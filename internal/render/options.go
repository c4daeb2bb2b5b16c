package render

import (
	"errors"
	"fmt"
)

// Platform names the publishing target a render is adapted for.
type Platform string

const (
	PlatformGeneric Platform = "generic"
	PlatformWeChat  Platform = "wechat"
	PlatformZhihu   Platform = "zhihu"
	PlatformJuejin  Platform = "juejin"
)

// Platforms lists every supported target.
var Platforms = []Platform{PlatformGeneric, PlatformWeChat, PlatformZhihu, PlatformJuejin}

// Valid reports whether p is one of Platforms.
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// InlineStyles reports whether the platform strips stylesheets, in which case
// highlighting is emitted as inline styles.
func (p Platform) InlineStyles() bool {
	return p == PlatformWeChat || p == PlatformZhihu
}

const (
	DefaultMarkdownStyle = "default"
	DefaultCodeTheme     = "github"
)

// ErrInvalidOptions is returned for options the renderer cannot honor.
var ErrInvalidOptions = errors.New("invalid render options")

// Options are the inputs, besides the markdown text, that determine a render.
// Every field takes part in the cache fingerprint.
type Options struct {
	MarkdownStyle          string   `json:"markdownStyle"`
	CodeTheme              string   `json:"codeTheme"`
	CustomCSS              string   `json:"customCss"`
	FootnoteLinks          bool     `json:"footnoteLinks"`
	ExternalLinksNewWindow bool     `json:"externalLinksNewWindow"`
	Platform               Platform `json:"platform"`
	SourcePath             string   `json:"sourcePath"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MarkdownStyle:          DefaultMarkdownStyle,
		CodeTheme:              DefaultCodeTheme,
		ExternalLinksNewWindow: true,
		Platform:               PlatformGeneric,
	}
}

func (o Options) withDefaults() Options {
	if o.MarkdownStyle == "" {
		o.MarkdownStyle = DefaultMarkdownStyle
	}
	if o.CodeTheme == "" {
		o.CodeTheme = DefaultCodeTheme
	}
	if o.Platform == "" {
		o.Platform = PlatformGeneric
	}
	return o
}

// Validate checks the fixed enumerations.
func (o Options) Validate() error {
	if !o.Platform.Valid() {
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidOptions, o.Platform)
	}
	return nil
}

package contracts

const (
	// MessageTypeUpdate carries freshly rendered HTML to the surface.
	MessageTypeUpdate = "update"
	// MessageTypeError reports a failure. It travels in both directions.
	MessageTypeError = "error"
	// MessageTypeScrollFromSource moves the surface to match the text view.
	MessageTypeScrollFromSource = "scrollFromSource"
	// MessageTypeConfig tells the surface which style and code theme are active.
	MessageTypeConfig = "config"

	// MessageTypeReady announces that the surface can receive content.
	MessageTypeReady = "ready"
	// MessageTypeScroll reports a user scroll on the surface.
	MessageTypeScroll = "scroll"
	// MessageTypeOpenExternal asks the host to open a link outside the preview.
	MessageTypeOpenExternal = "openExternal"
	// MessageTypeChangeMarkdownStyle selects another markdown style.
	MessageTypeChangeMarkdownStyle = "changeMarkdownStyle"
	// MessageTypeChangeCodeTheme selects another code highlighting theme.
	MessageTypeChangeCodeTheme = "changeCodeTheme"
)

// Message is one variant of the preview protocol.
type Message interface {
	MessageType() string
}

// UpdateMessage carries rendered markdown HTML to the surface.
type UpdateMessage struct {
	Type string `json:"type"`
	HTML string `json:"html"`
}

// ErrorMessage carries a human readable failure description.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ScrollFromSourceMessage carries the text view position to the surface.
// Line is authoritative when the surface can resolve it.
type ScrollFromSourceMessage struct {
	Type    string  `json:"type"`
	Percent float64 `json:"percent"`
	Line    int     `json:"line"`
}

// ConfigMessage carries the active presentation settings to the surface.
type ConfigMessage struct {
	Type          string `json:"type"`
	MarkdownStyle string `json:"markdownStyle"`
	CodeTheme     string `json:"codeTheme"`
}

// ReadyMessage is sent by the surface once it is listening.
type ReadyMessage struct {
	Type string `json:"type"`
}

// ScrollMessage reports the surface position. Line is set when the surface
// could map its viewport to a source line.
type ScrollMessage struct {
	Type    string  `json:"type"`
	Percent float64 `json:"percent"`
	Line    *int    `json:"line,omitempty"`
}

// OpenExternalMessage asks the host to open URL.
type OpenExternalMessage struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ChangeMarkdownStyleMessage selects a markdown style by id.
type ChangeMarkdownStyleMessage struct {
	Type  string `json:"type"`
	Style string `json:"style"`
}

// ChangeCodeThemeMessage selects a code theme by id.
type ChangeCodeThemeMessage struct {
	Type  string `json:"type"`
	Theme string `json:"theme"`
}

func (UpdateMessage) MessageType() string              { return MessageTypeUpdate }
func (ErrorMessage) MessageType() string               { return MessageTypeError }
func (ScrollFromSourceMessage) MessageType() string    { return MessageTypeScrollFromSource }
func (ConfigMessage) MessageType() string              { return MessageTypeConfig }
func (ReadyMessage) MessageType() string               { return MessageTypeReady }
func (ScrollMessage) MessageType() string              { return MessageTypeScroll }
func (OpenExternalMessage) MessageType() string        { return MessageTypeOpenExternal }
func (ChangeMarkdownStyleMessage) MessageType() string { return MessageTypeChangeMarkdownStyle }
func (ChangeCodeThemeMessage) MessageType() string     { return MessageTypeChangeCodeTheme }

func NewUpdate(html string) UpdateMessage {
	return UpdateMessage{Type: MessageTypeUpdate, HTML: html}
}

func NewError(msg string) ErrorMessage {
	return ErrorMessage{Type: MessageTypeError, Message: msg}
}

func NewScrollFromSource(percent float64, line int) ScrollFromSourceMessage {
	return ScrollFromSourceMessage{Type: MessageTypeScrollFromSource, Percent: percent, Line: line}
}

func NewConfig(style, theme string) ConfigMessage {
	return ConfigMessage{Type: MessageTypeConfig, MarkdownStyle: style, CodeTheme: theme}
}

func NewReady() ReadyMessage {
	return ReadyMessage{Type: MessageTypeReady}
}

// NewScroll builds a surface scroll report. A negative line is omitted.
func NewScroll(percent float64, line int) ScrollMessage {
	msg := ScrollMessage{Type: MessageTypeScroll, Percent: percent}
	if line >= 0 {
		msg.Line = &line
	}
	return msg
}

func NewOpenExternal(url string) OpenExternalMessage {
	return OpenExternalMessage{Type: MessageTypeOpenExternal, URL: url}
}

func NewChangeMarkdownStyle(style string) ChangeMarkdownStyleMessage {
	return ChangeMarkdownStyleMessage{Type: MessageTypeChangeMarkdownStyle, Style: style}
}

func NewChangeCodeTheme(theme string) ChangeCodeThemeMessage {
	return ChangeCodeThemeMessage{Type: MessageTypeChangeCodeTheme, Theme: theme}
}

package core

// Settings is the flat record of user preferences the core consumes.
// Persistence is owned by the settings collaborator; the core reads
// it through a cache and reacts to SettingsChanged tokens.
type Settings struct {
	Theme                string  `json:"theme"`
	FontFamily           string  `json:"fontFamily"`
	FontSize             int     `json:"fontSize"`
	CursorStyle          string  `json:"cursorStyle"`
	BellStyle            string  `json:"bellStyle"`
	ScrollbackLines      int     `json:"scrollback"`
	RunAsUser            string  `json:"runAsUser"`
	ClipboardPolicy      string  `json:"clipboardPolicy"`
	TabTitleMode         string  `json:"tabTitleMode"`
	SmoothScrolling      bool    `json:"smoothScrolling"`
	WebGL                bool    `json:"webgl"`
	MinimumContrastRatio float64 `json:"minimumContrastRatio"`
	DefaultShell         string  `json:"defaultShell"`
	DefaultCols          int     `json:"defaultCols"`
	DefaultRows          int     `json:"defaultRows"`
	WorkingDirectory     string  `json:"workingDirectory"`
}

// SettingsSource is the read-through cache interface the core and the
// websocket channels consume. The concrete store lives in
// internal/settings.
type SettingsSource interface {
	// Current returns the latest settings record.
	Current() Settings
}

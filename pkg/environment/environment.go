// Package environment supplies the environment facts an event is enriched
// with: page URL, referrer, user agent, locale, screen and timezone. The same
// pipeline runs against an incoming HTTP request or headless in a server.
package environment

// Screen describes the visitor's display.
type Screen struct {
	Width   int     `json:"width" yaml:"width"`
	Height  int     `json:"height" yaml:"height"`
	Density float64 `json:"density,omitempty" yaml:"density"`
}

// Runtime is the pluggable source of environment facts. Every accessor
// degrades to its zero value when the fact is not available; none may panic.
type Runtime interface {
	// PageURL is the absolute URL of the current page, or "".
	PageURL() string
	// PageTitle is the document title, or "".
	PageTitle() string
	// Referrer is the absolute referrer URL, or "".
	Referrer() string
	// UserAgent is the visitor's user agent string, or "".
	UserAgent() string
	// Locale is a BCP 47 tag such as "en-US", or "".
	Locale() string
	// Encoding is the document character set, or "".
	Encoding() string
	// Screen reports the display geometry when known.
	Screen() (Screen, bool)
	// TimezoneOffset is the offset from UTC in minutes when known.
	TimezoneOffset() (int, bool)
	// ClientIP is the visitor's address, or "".
	ClientIP() string
	// Headless reports whether there is no visitor-facing page, i.e. events
	// originate server to server.
	Headless() bool
}

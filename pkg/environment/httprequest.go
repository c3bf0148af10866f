package environment

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// Request headers a front-end may use to forward page facts it alone knows.
const (
	HeaderPageURL        = "X-Page-Url"
	HeaderPageTitle      = "X-Page-Title"
	HeaderPageReferrer   = "X-Page-Referrer"
	HeaderScreen         = "X-Screen"
	HeaderTimezoneOffset = "X-Timezone-Offset"
)

// HTTPRequest derives environment facts from an incoming HTTP request, the
// server-side counterpart of reading them from the DOM. When the request is a
// beacon from a page, the page facts may be forwarded in X-Page-* headers;
// otherwise the request URL itself is the page.
type HTTPRequest struct {
	r *http.Request
}

// NewHTTPRequest wraps r. A nil request behaves like an empty runtime.
func NewHTTPRequest(r *http.Request) *HTTPRequest {
	return &HTTPRequest{r: r}
}

func (h *HTTPRequest) header(name string) string {
	if h.r == nil {
		return ""
	}
	return strings.TrimSpace(h.r.Header.Get(name))
}

// PageURL prefers a forwarded page URL and falls back to the request URL.
func (h *HTTPRequest) PageURL() string {
	if v := h.header(HeaderPageURL); v != "" {
		return v
	}
	if h.r == nil || h.r.URL == nil {
		return ""
	}
	scheme := "http"
	if h.r.TLS != nil || strings.EqualFold(h.header("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host := h.r.Host
	if fwd := h.header("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	if host == "" {
		return ""
	}
	return scheme + "://" + host + h.r.URL.RequestURI()
}

func (h *HTTPRequest) PageTitle() string { return h.header(HeaderPageTitle) }

func (h *HTTPRequest) Referrer() string {
	if v := h.header(HeaderPageReferrer); v != "" {
		return v
	}
	return h.header("Referer")
}

func (h *HTTPRequest) UserAgent() string { return h.header("User-Agent") }

// Locale returns the preferred tag of the Accept-Language header.
func (h *HTTPRequest) Locale() string {
	accept := h.header("Accept-Language")
	if accept == "" {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}

// Encoding reports the charset of the request body, if declared.
func (h *HTTPRequest) Encoding() string {
	ct := h.header("Content-Type")
	idx := strings.Index(strings.ToLower(ct), "charset=")
	if idx < 0 {
		return ""
	}
	charset := ct[idx+len("charset="):]
	if semi := strings.IndexByte(charset, ';'); semi >= 0 {
		charset = charset[:semi]
	}
	return strings.Trim(strings.TrimSpace(charset), `"`)
}

// Screen parses an "<width>x<height>[@<density>]" header.
func (h *HTTPRequest) Screen() (Screen, bool) {
	raw := h.header(HeaderScreen)
	if raw == "" {
		return Screen{}, false
	}
	var s Screen
	dims := raw
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		dims = raw[:at]
		if d, err := strconv.ParseFloat(raw[at+1:], 64); err == nil {
			s.Density = d
		}
	}
	w, hgt, ok := strings.Cut(dims, "x")
	if !ok {
		return Screen{}, false
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(hgt)
	if err1 != nil || err2 != nil {
		return Screen{}, false
	}
	s.Width, s.Height = width, height
	return s, true
}

func (h *HTTPRequest) TimezoneOffset() (int, bool) {
	raw := h.header(HeaderTimezoneOffset)
	if raw == "" {
		return 0, false
	}
	offset, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return offset, true
}

// ClientIP returns the first X-Forwarded-For hop, or the remote address.
func (h *HTTPRequest) ClientIP() string {
	if fwd := h.header("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if h.r == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(h.r.RemoteAddr)
	if err != nil {
		return h.r.RemoteAddr
	}
	return host
}

func (h *HTTPRequest) Headless() bool { return false }

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultCookieMaxAge is the lifetime of identity cookies.
const DefaultCookieMaxAge = 5 * 365 * 24 * time.Hour

// DefaultCookieNames maps the logical keys onto the physical cookie names.
var DefaultCookieNames = map[Key]string{
	AnonymousIDKey: "__eventn_id",
	UserTraitsKey:  "__eventn_id_usr",
	UserIDKey:      "__eventn_uid",
}

// CookieConfig holds the settings for a CookieStorage.
type CookieConfig struct {
	// Domain is the cookie domain. When empty it is derived from the request
	// host's registrable domain.
	Domain string
	// Names overrides DefaultCookieNames per key.
	Names map[Key]string
	// MaxAge defaults to DefaultCookieMaxAge.
	MaxAge time.Duration
}

// CookieStorage persists identity state in cookies of a single HTTP exchange:
// values are read from the request and written to the response. Writes made
// during the exchange are visible to later reads on the same storage.
type CookieStorage struct {
	r      *http.Request
	w      http.ResponseWriter
	names  map[Key]string
	domain string
	secure bool
	maxAge time.Duration

	mu      sync.Mutex
	pending map[string]*string // nil value marks a removed cookie
}

// NewCookieStorage creates a cookie storage for one request/response pair.
// w may be nil, in which case every write fails with ErrUnavailable.
func NewCookieStorage(r *http.Request, w http.ResponseWriter, cfg CookieConfig) *CookieStorage {
	names := make(map[Key]string, len(DefaultCookieNames))
	for k, v := range DefaultCookieNames {
		names[k] = v
	}
	for k, v := range cfg.Names {
		names[k] = v
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultCookieMaxAge
	}
	domain := cfg.Domain
	secure := false
	if r != nil {
		if domain == "" {
			domain = TopLevelDomain(r.Host)
		}
		secure = r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	}
	return &CookieStorage{
		r:       r,
		w:       w,
		names:   names,
		domain:  domain,
		secure:  secure,
		maxAge:  maxAge,
		pending: make(map[string]*string),
	}
}

// TopLevelDomain returns the registrable domain of host ("app.example.co.uk"
// -> "example.co.uk"). IP addresses, localhost and single-label hosts yield ""
// so that the cookie stays host-only.
func TopLevelDomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || host == "localhost" || net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// Domain returns the domain cookies are written on.
func (s *CookieStorage) Domain() string {
	return s.domain
}

// SetItem writes a cookie. Strings are stored as-is (escaped when needed);
// maps and other non-primitive values are stored as URL-encoded JSON.
func (s *CookieStorage) SetItem(ctx context.Context, key Key, value any) error {
	if value == nil {
		return s.RemoveItem(ctx, key)
	}
	encoded, err := encodeCookieValue(value)
	if err != nil {
		return fmt.Errorf("encode cookie for %s: %w", key, err)
	}
	return s.write(s.cookieName(key), &encoded)
}

// GetItem reads a cookie written in this exchange or sent with the request.
func (s *CookieStorage) GetItem(_ context.Context, key Key) (any, error) {
	name := s.cookieName(key)
	s.mu.Lock()
	pending, touched := s.pending[name]
	s.mu.Unlock()

	var raw string
	switch {
	case touched && pending == nil:
		return nil, ErrNotFound
	case touched:
		raw = *pending
	case s.r != nil:
		c, err := s.r.Cookie(name)
		if err != nil {
			return nil, ErrNotFound
		}
		raw = c.Value
	default:
		return nil, ErrNotFound
	}
	if raw == "" {
		return nil, ErrNotFound
	}
	return decodeCookieValue(raw), nil
}

// RemoveItem expires the cookie for key.
func (s *CookieStorage) RemoveItem(_ context.Context, key Key) error {
	return s.write(s.cookieName(key), nil)
}

// Reset expires every identity cookie.
func (s *CookieStorage) Reset(ctx context.Context) error {
	for _, key := range AllKeys() {
		if err := s.RemoveItem(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *CookieStorage) cookieName(key Key) string {
	if name, ok := s.names[key]; ok {
		return name
	}
	return string(key)
}

func (s *CookieStorage) write(name string, value *string) error {
	if s.w == nil {
		return ErrUnavailable
	}
	cookie := &http.Cookie{
		Name:   name,
		Path:   "/",
		Domain: s.domain,
		Secure: s.secure,
	}
	if s.secure {
		cookie.SameSite = http.SameSiteNoneMode
	} else {
		cookie.SameSite = http.SameSiteLaxMode
	}
	if value == nil {
		cookie.MaxAge = -1
		cookie.Expires = time.Unix(0, 0)
	} else {
		cookie.Value = *value
		cookie.MaxAge = int(s.maxAge / time.Second)
		cookie.Expires = time.Now().Add(s.maxAge).UTC()
	}
	http.SetCookie(s.w, cookie)

	s.mu.Lock()
	s.pending[name] = value
	s.mu.Unlock()
	return nil
}

func encodeCookieValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return url.QueryEscape(v), nil
	case bool, int, int32, int64, float32, float64:
		return url.QueryEscape(fmt.Sprint(v)), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return url.QueryEscape(string(b)), nil
	}
}

func decodeCookieValue(raw string) any {
	unescaped, err := url.QueryUnescape(raw)
	if err != nil {
		unescaped = raw
	}
	trimmed := strings.TrimSpace(unescaped)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return unescaped
}

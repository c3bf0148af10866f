package storage_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCookie(t *testing.T, cookies []*http.Cookie, name string) *http.Cookie {
	t.Helper()
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %s not set", name)
	return nil
}

func TestTopLevelDomain(t *testing.T) {
	testCases := []struct {
		host     string
		expected string
	}{
		{host: "app.example.com", expected: "example.com"},
		{host: "example.com", expected: "example.com"},
		{host: "www.shop.example.co.uk", expected: "example.co.uk"},
		{host: "app.example.com:8443", expected: "example.com"},
		{host: "localhost:8080", expected: ""},
		{host: "127.0.0.1", expected: ""},
		{host: "intranet", expected: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.host, func(t *testing.T) {
			assert.Equal(t, tc.expected, storage.TopLevelDomain(tc.host))
		})
	}
}

func TestCookieStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("HTTPS writes Secure SameSite=None cookies on the top-level domain", func(t *testing.T) {
		// Arrange
		req := httptest.NewRequest(http.MethodGet, "https://app.example.com/pricing", nil)
		rec := httptest.NewRecorder()
		s := storage.NewCookieStorage(req, rec, storage.CookieConfig{})

		// Act
		require.NoError(t, s.SetItem(ctx, storage.AnonymousIDKey, "anon-123"))

		// Assert
		c := findCookie(t, rec.Result().Cookies(), "__eventn_id")
		assert.Equal(t, "anon-123", c.Value)
		assert.Equal(t, "example.com", c.Domain)
		assert.True(t, c.Secure)
		assert.Equal(t, http.SameSiteNoneMode, c.SameSite)
		assert.WithinDuration(t, time.Now().Add(storage.DefaultCookieMaxAge), c.Expires, time.Minute)
	})

	t.Run("Plain HTTP uses SameSite=Lax and an explicit domain", func(t *testing.T) {
		// Arrange
		req := httptest.NewRequest(http.MethodGet, "http://app.example.com/", nil)
		rec := httptest.NewRecorder()
		s := storage.NewCookieStorage(req, rec, storage.CookieConfig{Domain: "tracking.example.com"})

		// Act
		require.NoError(t, s.SetItem(ctx, storage.UserIDKey, "u1"))

		// Assert
		c := findCookie(t, rec.Result().Cookies(), "__eventn_uid")
		assert.False(t, c.Secure)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
		assert.Equal(t, "tracking.example.com", c.Domain)
	})

	t.Run("Traits round-trip as URL-encoded JSON", func(t *testing.T) {
		// Arrange
		traits := map[string]any{"email": "a@b.com", "plan": "pro plan"}
		req := httptest.NewRequest(http.MethodGet, "https://app.example.com/", nil)
		rec := httptest.NewRecorder()
		writer := storage.NewCookieStorage(req, rec, storage.CookieConfig{})

		// Act
		require.NoError(t, writer.SetItem(ctx, storage.UserTraitsKey, traits))
		written := findCookie(t, rec.Result().Cookies(), "__eventn_id_usr")

		next := httptest.NewRequest(http.MethodGet, "https://app.example.com/next", nil)
		next.AddCookie(&http.Cookie{Name: written.Name, Value: written.Value})
		reader := storage.NewCookieStorage(next, httptest.NewRecorder(), storage.CookieConfig{})
		value, err := reader.GetItem(ctx, storage.UserTraitsKey)

		// Assert
		require.NoError(t, err)
		assert.NotContains(t, written.Value, "{", "JSON must be URL-encoded")
		assert.Equal(t, traits, value)
	})

	t.Run("Writes are visible to reads in the same exchange", func(t *testing.T) {
		// Arrange
		req := httptest.NewRequest(http.MethodGet, "https://app.example.com/", nil)
		req.AddCookie(&http.Cookie{Name: "__eventn_id", Value: "old-anon"})
		s := storage.NewCookieStorage(req, httptest.NewRecorder(), storage.CookieConfig{})

		// Act
		before, err := s.GetItem(ctx, storage.AnonymousIDKey)
		require.NoError(t, err)
		require.NoError(t, s.SetItem(ctx, storage.AnonymousIDKey, "new-anon"))
		after, err := s.GetItem(ctx, storage.AnonymousIDKey)
		require.NoError(t, err)

		// Assert
		assert.Equal(t, "old-anon", before)
		assert.Equal(t, "new-anon", after)
	})

	t.Run("Reset expires every cookie", func(t *testing.T) {
		// Arrange
		req := httptest.NewRequest(http.MethodGet, "https://app.example.com/", nil)
		req.AddCookie(&http.Cookie{Name: "__eventn_uid", Value: "u1"})
		rec := httptest.NewRecorder()
		s := storage.NewCookieStorage(req, rec, storage.CookieConfig{})

		// Act
		require.NoError(t, s.Reset(ctx))

		// Assert
		_, err := s.GetItem(ctx, storage.UserIDKey)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.Len(t, rec.Result().Cookies(), 3)
		for _, c := range rec.Result().Cookies() {
			assert.Equal(t, -1, c.MaxAge)
		}
	})

	t.Run("Missing response writer is unavailable", func(t *testing.T) {
		// Arrange
		req := httptest.NewRequest(http.MethodGet, "https://app.example.com/", nil)
		s := storage.NewCookieStorage(req, nil, storage.CookieConfig{})

		// Act
		err := s.SetItem(ctx, storage.AnonymousIDKey, "anon")

		// Assert
		assert.ErrorIs(t, err, storage.ErrUnavailable)
	})
}

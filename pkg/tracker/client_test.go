package tracker_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/illmade-knight/go-analytics/pkg/bus"
	"github.com/illmade-knight/go-analytics/pkg/dispatch"
	"github.com/illmade-knight/go-analytics/pkg/environment"
	"github.com/illmade-knight/go-analytics/pkg/plugins"
	"github.com/illmade-knight/go-analytics/pkg/scripts"
	"github.com/illmade-knight/go-analytics/pkg/storage"
	"github.com/illmade-knight/go-analytics/pkg/tracker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Configuration(t *testing.T) {
	ctx := context.Background()

	t.Run("Host is required outside echo mode", func(t *testing.T) {
		_, err := tracker.New(ctx, tracker.Options{WriteKey: "k"}, zerolog.Nop())
		assert.ErrorIs(t, err, tracker.ErrMissingHost)
	})

	t.Run("Echo mode needs no host", func(t *testing.T) {
		c, err := tracker.New(ctx, tracker.Options{Echo: true}, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, c.Close(ctx))
	})

	t.Run("Configure rejects an invalid config and keeps the old one", func(t *testing.T) {
		// Arrange
		fc, srv := newFakeCollector(t, "")
		c := newClient(t, tracker.Options{Host: srv.URL})

		// Act
		err := c.Configure(tracker.Options{})
		wait(t, c.Track(ctx, "still-delivered", nil))

		// Assert
		assert.ErrorIs(t, err, tracker.ErrMissingHost)
		assert.Len(t, fc.received(), 1)
	})

	t.Run("Configure switches the endpoint", func(t *testing.T) {
		// Arrange
		first, srv1 := newFakeCollector(t, "")
		second, srv2 := newFakeCollector(t, "")
		c := newClient(t, tracker.Options{Host: srv1.URL})

		// Act
		wait(t, c.Track(ctx, "one", nil))
		require.NoError(t, c.Configure(tracker.Options{Host: srv2.URL}))
		wait(t, c.Track(ctx, "two", nil))

		// Assert
		require.Len(t, first.received(), 1)
		require.Len(t, second.received(), 1)
		assert.Equal(t, "two", second.received()[0].env["event"])
	})
}

func TestClient_IdentifyThenPage(t *testing.T) {
	// Arrange
	ctx := context.Background()
	fc, srv := newFakeCollector(t, "")
	c := newClient(t, tracker.Options{Host: srv.URL, WriteKey: "key:secret"})
	traits := map[string]any{"email": "a@b.com", "plan": "pro"}

	// Act
	identifyResult := c.Identify(ctx, "u1", traits)
	pageResult := c.Page(ctx, "Home", nil)

	// Assert
	page := wait(t, pageResult)
	identify := wait(t, identifyResult)
	assert.Equal(t, traits, page.ContextTraits())
	assert.Equal(t, "u1", page.UserID)
	assert.Nil(t, identify.ContextTraits())
	assert.Equal(t, traits, identify.Traits)
	assert.Len(t, fc.received(), 2)
}

func TestClient_IdentifyThenTrack(t *testing.T) {
	// Arrange
	ctx := context.Background()
	fc, srv := newFakeCollector(t, "")
	c := newClient(t, tracker.Options{Host: srv.URL})

	// Act
	identify := wait(t, c.Identify(ctx, "u1", map[string]any{"email": "a@b.com"}))
	track := wait(t, c.Track(ctx, "signup", map[string]any{"plan": "pro"}))

	// Assert
	assert.Equal(t, "u1", track.UserID)
	assert.Equal(t, "pro", track.Properties["plan"])
	assert.Equal(t, "signup", track.Event)
	_, leaked := identify.Context["traits"]
	assert.False(t, leaked)

	var sawIdentify, sawTrack bool
	for _, r := range fc.received() {
		switch r.path {
		case "/api/s/s2s/identify":
			sawIdentify = true
			assert.NotContains(t, r.env["context"].(map[string]any), "traits")
		case "/api/s/s2s/track":
			sawTrack = true
			assert.Equal(t, "u1", r.env["userId"])
		}
	}
	assert.True(t, sawIdentify)
	assert.True(t, sawTrack)
}

func TestClient_Reset(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c := newClient(t, tracker.Options{Echo: true})
	before := c.AnonymousID(ctx)
	wait(t, c.Identify(ctx, "u1", map[string]any{"email": "a@b.com"}))

	// Act
	c.Reset(ctx)
	env := wait(t, c.Track(ctx, "after-reset", nil))

	// Assert
	assert.NotEmpty(t, env.AnonymousID)
	assert.NotEqual(t, before, env.AnonymousID)
	assert.Empty(t, env.UserID)
	assert.Nil(t, env.ContextTraits())
	assert.Equal(t, env.AnonymousID, c.Bus().User().AnonymousID)
}

func TestClient_SetAnonymousID(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c := newClient(t, tracker.Options{Echo: true})

	// Act
	c.SetAnonymousID(ctx, "anon-custom")
	env := wait(t, c.Page(ctx, "", nil))

	// Assert
	assert.Equal(t, "anon-custom", env.AnonymousID)
	assert.Equal(t, "anon-custom", c.Bus().User().AnonymousID, "bus user is updated synchronously")
}

// groupRecorder is an extra bus plugin handling groups.
type groupRecorder struct {
	mu     sync.Mutex
	groups []string
}

func (g *groupRecorder) Name() string { return "group-recorder" }

func (g *groupRecorder) Group(_ context.Context, call bus.Call) (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.groups = append(g.groups, call.Payload.GroupID)
	return "recorded", nil
}

func TestClient_Group(t *testing.T) {
	// Arrange
	ctx := context.Background()
	recorder := &groupRecorder{}
	c := newClient(t, tracker.Options{Echo: true, Plugins: []bus.Plugin{recorder}})
	wait(t, c.Identify(ctx, "u1", map[string]any{"email": "a@b.com"}))

	// Act
	env := wait(t, c.Group(ctx, "acme", map[string]any{"seats": 10}))

	// Assert
	require.NotNil(t, env, "the collector plugin answers first")
	assert.Equal(t, "acme", env.GroupID)
	assert.Equal(t, map[string]any{"seats": 10}, env.Traits)
	assert.Nil(t, env.ContextTraits())
	assert.Equal(t, []string{"acme"}, recorder.groups)
}

func TestClient_DestinationFilters(t *testing.T) {
	// Arrange
	ctx := context.Background()
	plugin := newRecordingPlugin()
	internal := plugins.NewRegistry()
	internal.Register("recorder", plugin.factory())
	_, srv := newFakeCollector(t, `[{"id":"d1","destinationType":"recorder","options":{"events":"track"},"deviceOptions":{"type":"internal-plugin","name":"recorder"}}]`)
	c := newClient(t, tracker.Options{Host: srv.URL, InternalPlugins: internal})

	// Act
	wait(t, c.Page(ctx, "Home", nil))
	pageCalls := plugin.count(scripts.HookPage)
	wait(t, c.Track(ctx, "signup", nil))

	// Assert
	assert.Equal(t, 0, pageCalls)
	assert.Equal(t, 1, plugin.count(scripts.HookTrack))
}

func TestClient_HostFilter(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name  string
		page  string
		calls int
	}{
		{name: "subdomain passes", page: "https://app.example.com/", calls: 1},
		{name: "apex does not", page: "https://example.com/", calls: 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			plugin := newRecordingPlugin()
			internal := plugins.NewRegistry()
			internal.Register("recorder", plugin.factory())
			_, srv := newFakeCollector(t, `[{"id":"d1","options":{"hosts":"*.example.com"},"deviceOptions":{"type":"internal-plugin","name":"recorder"}}]`)
			c := newClient(t, tracker.Options{
				Host:            srv.URL,
				InternalPlugins: internal,
				Runtime:         &environment.Static{URL: tc.page},
			})

			// Act
			wait(t, c.Track(ctx, "e", nil))

			// Assert
			assert.Equal(t, tc.calls, plugin.count(scripts.HookTrack))
		})
	}
}

func TestClient_ExternalScriptLoadsOnce(t *testing.T) {
	// Arrange
	ctx := context.Background()
	plugin := newRecordingPlugin()
	static := scripts.NewStaticLoader()
	static.Register("https://cdn.example.com/dest.wasm", "dest", plugin.factory())
	loader := &countingLoader{inner: static}
	_, srv := newFakeCollector(t, `[{"id":"d1","deviceOptions":{"type":"external-plugin","packageCdn":"https://cdn.example.com/dest.wasm","moduleVarName":"dest"}}]`)
	c := newClient(t, tracker.Options{Host: srv.URL, Scripts: dispatch.NewRegistry(loader, zerolog.Nop())})

	// Act
	first := c.Track(ctx, "a", nil)
	second := c.Page(ctx, "", nil)
	wait(t, first)
	wait(t, second)

	// Assert
	assert.Equal(t, int32(1), loader.loads.Load())
	assert.Equal(t, 1, plugin.count(scripts.HookTrack))
	assert.Equal(t, 1, plugin.count(scripts.HookPage))
	assert.Equal(t, 2, plugin.count(scripts.HookInitialize))
}

func TestClient_UnreachableEndpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("Resolves and logs when debug is on", func(t *testing.T) {
		// Arrange
		var buf syncBuffer
		c, err := tracker.New(ctx, tracker.Options{Host: "http://127.0.0.1:1", Debug: true, MaxRetries: 1}, zerolog.New(&buf))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close(ctx) })

		// Act
		env := wait(t, c.Track(ctx, "signup", nil))

		// Assert
		assert.NotNil(t, env)
		assert.Contains(t, buf.String(), "Failed to deliver event.")
	})

	t.Run("Stays quiet when debug is off", func(t *testing.T) {
		// Arrange
		var buf syncBuffer
		c, err := tracker.New(ctx, tracker.Options{Host: "http://127.0.0.1:1", MaxRetries: 1}, zerolog.New(&buf))
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close(ctx) })

		// Act
		wait(t, c.Track(ctx, "signup", nil))

		// Assert
		assert.NotContains(t, buf.String(), "Failed to deliver event.")
	})
}

func TestClient_EndpointSelection(t *testing.T) {
	ctx := context.Background()

	t.Run("Browser runtime uses the browser endpoint", func(t *testing.T) {
		fc, srv := newFakeCollector(t, "")
		c := newClient(t, tracker.Options{Host: srv.URL, Runtime: &environment.Static{URL: "https://a.example.com/"}})

		wait(t, c.Page(ctx, "", nil))

		require.Len(t, fc.received(), 1)
		assert.Equal(t, "/api/s/page", fc.received()[0].path)
	})

	t.Run("Headless runtime uses the server-to-server endpoint", func(t *testing.T) {
		fc, srv := newFakeCollector(t, "")
		c := newClient(t, tracker.Options{Host: srv.URL})

		wait(t, c.Track(ctx, "e", nil))

		require.Len(t, fc.received(), 1)
		assert.Equal(t, "/api/s/s2s/track", fc.received()[0].path)
	})
}

func TestClient_Close(t *testing.T) {
	// Arrange
	ctx := context.Background()
	fc, srv := newFakeCollector(t, "")
	c, err := tracker.New(ctx, tracker.Options{Host: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		c.Track(ctx, "burst", nil)
	}

	// Act
	require.NoError(t, c.Close(ctx))
	late := c.Track(ctx, "late", nil)

	// Assert
	assert.Len(t, fc.received(), 5, "close waits for in-flight deliveries")
	assert.Nil(t, wait(t, late))
	assert.NoError(t, c.Close(ctx))
}

func TestClient_CallerCancellationDoesNotAbortDelivery(t *testing.T) {
	// Arrange
	fc, srv := newFakeCollector(t, "")
	c := newClient(t, tracker.Options{Host: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())

	// Act
	r := c.Track(ctx, "e", nil)
	cancel()
	wait(t, r)

	// Assert
	assert.Len(t, fc.received(), 1)
}

func TestClient_CookieIdentity(t *testing.T) {
	// Arrange
	ctx := context.Background()
	_, srv := newFakeCollector(t, "")
	req := httptest.NewRequest(http.MethodGet, "https://shop.example.com/cart?utm_source=mail", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	rec := httptest.NewRecorder()
	c := newClient(t, tracker.Options{
		Host:    srv.URL,
		Storage: storage.NewCookieStorage(req, rec, storage.CookieConfig{}),
		Runtime: environment.NewHTTPRequest(req),
	})

	// Act
	wait(t, c.Identify(ctx, "u1", map[string]any{"email": "a@b.com"}))
	env := wait(t, c.Page(ctx, "Cart", nil))

	// Assert
	assert.Equal(t, "shop.example.com", env.PageHost())
	assert.Equal(t, "mail", env.LookupString("campaign.source"))
	cookies := map[string]*http.Cookie{}
	for _, ck := range rec.Result().Cookies() {
		cookies[ck.Name] = ck
	}
	require.Contains(t, cookies, "__eventn_uid")
	require.Contains(t, cookies, "__eventn_id")
	require.Contains(t, cookies, "__eventn_id_usr")
	assert.Equal(t, "u1", cookies["__eventn_uid"].Value)
	assert.Equal(t, env.AnonymousID, cookies["__eventn_id"].Value)
	assert.Equal(t, "example.com", cookies["__eventn_id"].Domain)
	assert.True(t, strings.Contains(cookies["__eventn_id_usr"].Value, "email"))
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

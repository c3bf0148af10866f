package tracker_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/illmade-knight/go-analytics/pkg/scripts"
	"github.com/illmade-knight/go-analytics/pkg/tracker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type received struct {
	path string
	env  map[string]any
}

// fakeCollector is an in-process collection endpoint answering every event
// with a fixed destinations list.
type fakeCollector struct {
	mu           sync.Mutex
	events       []received
	destinations string
}

func newFakeCollector(t *testing.T, destinations string) (*fakeCollector, *httptest.Server) {
	t.Helper()
	fc := &fakeCollector{destinations: destinations}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var env map[string]any
		_ = json.Unmarshal(raw, &env)
		fc.mu.Lock()
		fc.events = append(fc.events, received{path: r.URL.Path, env: env})
		d := fc.destinations
		fc.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if d == "" {
			_, _ = io.WriteString(w, `{}`)
			return
		}
		_, _ = io.WriteString(w, `{"destinations":`+d+`}`)
	}))
	t.Cleanup(srv.Close)
	return fc, srv
}

func (fc *fakeCollector) received() []received {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]received(nil), fc.events...)
}

func newClient(t *testing.T, opts tracker.Options) *tracker.Client {
	t.Helper()
	c, err := tracker.New(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func wait(t *testing.T, r *tracker.Result) *envelope.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	return r.Envelope()
}

// recordingPlugin counts hook invocations across all instances built by its
// factory.
type recordingPlugin struct {
	mu    sync.Mutex
	calls map[scripts.Hook]int
}

func newRecordingPlugin() *recordingPlugin {
	return &recordingPlugin{calls: make(map[scripts.Hook]int)}
}

func (p *recordingPlugin) factory() scripts.Factory {
	return func(context.Context, map[string]any) (scripts.Plugin, error) { return p, nil }
}

func (p *recordingPlugin) Supports(scripts.Hook) bool { return true }

func (p *recordingPlugin) Call(_ context.Context, hook scripts.Hook, _ *envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[hook]++
	return nil
}

func (p *recordingPlugin) count(hook scripts.Hook) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[hook]
}

type countingLoader struct {
	inner scripts.Loader
	loads atomic.Int32
}

func (c *countingLoader) Load(ctx context.Context, src string) (scripts.Script, error) {
	c.loads.Add(1)
	return c.inner.Load(ctx, src)
}

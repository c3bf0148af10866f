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

	"github.com/illmade-knight/go-analytics/pkg/dispatch"
	"github.com/illmade-knight/go-analytics/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopWasm exports a constructor "plugin" plus "initialize" and "track",
// all of type () -> ().
var noopWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x04, 0x03, 0x00, 0x00, 0x00,
	0x07, 0x1f, 0x03,
	0x06, 'p', 'l', 'u', 'g', 'i', 'n', 0x00, 0x00,
	0x0a, 'i', 'n', 'i', 't', 'i', 'a', 'l', 'i', 'z', 'e', 0x00, 0x01,
	0x05, 't', 'r', 'a', 'c', 'k', 0x00, 0x02,
	0x0a, 0x0a, 0x03,
	0x02, 0x00, 0x0b,
	0x02, 0x00, 0x0b,
	0x02, 0x00, 0x0b,
}

func TestClient_WriteKeyStaysWithCollector(t *testing.T) {
	ctx := context.Background()

	// Arrange
	var mu sync.Mutex
	var hookBodies []map[string]any
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		hookBodies = append(hookBodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)

	fc, srv := newFakeCollector(t, `[{"id":"w","destinationType":"webhook","options":{"url":"`+hook.URL+`"},"deviceOptions":{"type":"internal-plugin","name":"webhook"}}]`)
	c := newClient(t, tracker.Options{Host: srv.URL, WriteKey: "src1:supersecret"})

	// Act
	wait(t, c.Track(ctx, "signup", nil))

	// Assert
	got := fc.received()
	require.Len(t, got, 1)
	assert.Equal(t, "src1:supersecret", got[0].env["writeKey"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hookBodies, 1)
	assert.Equal(t, "signup", hookBodies[0]["event"])
	assert.NotContains(t, hookBodies[0], "writeKey")
}

func TestClient_DefaultScriptsAreShared(t *testing.T) {
	ctx := context.Background()

	// Arrange
	var fetches atomic.Int32
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(noopWasm)
	}))
	t.Cleanup(cdn.Close)
	src := cdn.URL + "/dest.wasm"
	_, srv := newFakeCollector(t, `[{"id":"d1","deviceOptions":{"type":"external-plugin","packageCdn":"`+src+`","moduleVarName":"plugin"}}]`)

	first := newClient(t, tracker.Options{Host: srv.URL})
	second := newClient(t, tracker.Options{Host: srv.URL})

	// Act
	wait(t, first.Track(ctx, "a", nil))
	wait(t, second.Track(ctx, "b", nil))

	// Assert
	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, dispatch.StateLoaded, tracker.DefaultScripts().State(src))
}

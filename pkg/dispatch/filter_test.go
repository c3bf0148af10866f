package dispatch_test

import (
	"testing"

	"github.com/illmade-knight/go-analytics/pkg/dispatch"
	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/stretchr/testify/assert"
)

func envelopeFor(t envelope.Type, event, host string) *envelope.Envelope {
	return &envelope.Envelope{
		Type:    t,
		Event:   event,
		Context: map[string]any{"page": map[string]any{"host": host}},
	}
}

func TestHostMatches(t *testing.T) {
	testCases := []struct {
		pattern string
		host    string
		want    bool
	}{
		{pattern: "*", host: "anything.io", want: true},
		{pattern: "*", host: "", want: true},
		{pattern: "*.example.com", host: "app.example.com", want: true},
		{pattern: "*.example.com", host: "a.b.example.com", want: true},
		{pattern: "*.example.com", host: "example.com", want: false},
		{pattern: "*.example.com", host: "badexample.com", want: false},
		{pattern: "example.com", host: "EXAMPLE.com", want: true},
		{pattern: " example.com ", host: "example.com", want: true},
		{pattern: "example.com", host: "app.example.com", want: false},
		{pattern: "example.com", host: "", want: false},
	}
	for _, tc := range testCases {
		t.Run(tc.pattern+"/"+tc.host, func(t *testing.T) {
			assert.Equal(t, tc.want, dispatch.HostMatches(tc.pattern, tc.host))
		})
	}
}

func TestMatchesFilters(t *testing.T) {
	testCases := []struct {
		name   string
		config map[string]any
		env    *envelope.Envelope
		want   bool
	}{
		{
			name:   "no filters",
			config: map[string]any{},
			env:    envelopeFor(envelope.TypePage, "", "a.com"),
			want:   true,
		},
		{
			name:   "event filter by type rejects other types",
			config: map[string]any{"events": "track"},
			env:    envelopeFor(envelope.TypePage, "", "a.com"),
			want:   false,
		},
		{
			name:   "event filter by type accepts",
			config: map[string]any{"events": "track"},
			env:    envelopeFor(envelope.TypeTrack, "signup", "a.com"),
			want:   true,
		},
		{
			name:   "event filter by name, newline list, case and space insensitive",
			config: map[string]any{"events": "purchase\n  SignUp  \n"},
			env:    envelopeFor(envelope.TypeTrack, "signup", "a.com"),
			want:   true,
		},
		{
			name:   "event filter as array",
			config: map[string]any{"events": []any{"identify", "group"}},
			env:    envelopeFor(envelope.TypeGroup, "", "a.com"),
			want:   true,
		},
		{
			name:   "event wildcard",
			config: map[string]any{"events": "*"},
			env:    envelopeFor(envelope.TypeIdentify, "", ""),
			want:   true,
		},
		{
			name:   "host wildcard subdomain",
			config: map[string]any{"hosts": "*.example.com"},
			env:    envelopeFor(envelope.TypeTrack, "e", "app.example.com"),
			want:   true,
		},
		{
			name:   "host wildcard rejects apex",
			config: map[string]any{"hosts": "*.example.com"},
			env:    envelopeFor(envelope.TypeTrack, "e", "example.com"),
			want:   false,
		},
		{
			name:   "host with port",
			config: map[string]any{"hosts": []string{"localhost"}},
			env:    envelopeFor(envelope.TypeTrack, "e", "localhost:3000"),
			want:   true,
		},
		{
			name:   "both filters must pass",
			config: map[string]any{"hosts": "a.com", "events": "page"},
			env:    envelopeFor(envelope.TypeTrack, "e", "a.com"),
			want:   false,
		},
		{
			name:   "blank filter matches everything",
			config: map[string]any{"hosts": "\n \n", "events": ""},
			env:    envelopeFor(envelope.TypeTrack, "e", "b.com"),
			want:   true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, dispatch.MatchesFilters(tc.config, tc.env))
		})
	}
}

package dispatch

import (
	"net"
	"strings"

	"github.com/illmade-knight/go-analytics/pkg/envelope"
)

// Config keys holding destination filters.
const (
	HostsFilterKey  = "hosts"
	EventsFilterKey = "events"
)

// MatchesFilters reports whether env passes the host and event filters held
// in a destination's merged config. A missing or empty filter matches
// everything.
func MatchesFilters(config map[string]any, env *envelope.Envelope) bool {
	if hosts := filterValues(config[HostsFilterKey]); len(hosts) > 0 {
		if !anyHostMatches(hosts, env.PageHost()) {
			return false
		}
	}
	if events := filterValues(config[EventsFilterKey]); len(events) > 0 {
		if !anyEventMatches(events, env) {
			return false
		}
	}
	return true
}

// filterValues accepts a newline separated string or a list of strings.
func filterValues(v any) []string {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.Split(t, "\n")
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	values := raw[:0:0]
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			values = append(values, s)
		}
	}
	return values
}

func anyHostMatches(patterns []string, host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	for _, p := range patterns {
		if HostMatches(p, host) {
			return true
		}
	}
	return false
}

// HostMatches matches host against an exact host, "*" or "*.domain". The
// subdomain wildcard does not match the bare domain.
func HostMatches(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(host)
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(host, pattern[1:])
	default:
		return host != "" && pattern == host
	}
}

func anyEventMatches(patterns []string, env *envelope.Envelope) bool {
	for _, p := range patterns {
		if p == "*" || strings.EqualFold(p, string(env.Type)) || (env.Event != "" && strings.EqualFold(p, env.Event)) {
			return true
		}
	}
	return false
}

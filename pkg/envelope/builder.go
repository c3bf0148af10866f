package envelope

import (
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/illmade-knight/go-analytics/pkg/environment"
	"github.com/illmade-knight/go-analytics/pkg/identity"
)

// Payload is the caller-supplied part of a call.
type Payload struct {
	// Event is the event name of a track call.
	Event string
	// Name is the page name of a page call.
	Name string
	// Properties may carry a "context" object that is merged over the
	// computed context and then removed.
	Properties map[string]any
	// Traits are the traits of an identify or group call.
	Traits map[string]any
	// GroupID is the group of a group call.
	GroupID string
}

// timestampLayout matches JavaScript's Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var campaignParams = map[string]string{
	"utm_source":   "source",
	"utm_medium":   "medium",
	"utm_campaign": "name",
	"utm_term":     "term",
	"utm_content":  "content",
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithLibrary overrides context.library.
func WithLibrary(name, version string) BuilderOption {
	return func(b *Builder) {
		b.libraryName = name
		b.libraryVersion = version
	}
}

// Builder turns raw calls into fully enriched envelopes. It is safe for
// concurrent use and never fails: missing facts are simply left out.
type Builder struct {
	libraryName    string
	libraryVersion string
	now            func() time.Time
	seq            atomic.Uint64
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		libraryName:    LibraryName,
		libraryVersion: LibraryVersion,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build produces the envelope for one call. rt may be nil.
func (b *Builder) Build(t Type, p Payload, id identity.State, rt environment.Runtime) *Envelope {
	if rt == nil {
		rt = environment.NewHeadless("")
	}
	now := b.now().UTC()
	props := identity.CloneTraits(p.Properties)
	if props == nil {
		props = make(map[string]any)
	}
	callerContext, _ := props["context"].(map[string]any)
	delete(props, "context")

	page := pageFacts(rt, props)

	ctx := map[string]any{
		"library": map[string]any{
			"name":    b.libraryName,
			"version": b.libraryVersion,
		},
		"page": page.contextMap(),
	}
	putString(ctx, "userAgent", rt.UserAgent())
	putString(ctx, "locale", rt.Locale())
	putString(ctx, "ip", rt.ClientIP())
	if screen, ok := rt.Screen(); ok {
		s := map[string]any{"width": screen.Width, "height": screen.Height}
		if screen.Density > 0 {
			s["density"] = screen.Density
		}
		ctx["screen"] = s
	}
	if offset, ok := rt.TimezoneOffset(); ok {
		ctx["timezoneOffset"] = offset
	}
	if campaign := page.campaign(); len(campaign) > 0 {
		ctx["campaign"] = campaign
	}
	// identify and group are the source of traits, never consumers of cached ones.
	if t != TypeIdentify && t != TypeGroup && len(id.Traits) > 0 {
		ctx["traits"] = identity.CloneTraits(id.Traits)
	}
	if callerContext != nil {
		ctx = DeepMerge(ctx, identity.CloneTraits(callerContext))
	}

	env := &Envelope{
		Type:        t,
		UserID:      id.UserID,
		AnonymousID: id.AnonymousID,
		Context:     ctx,
		Timestamp:   now.Format(timestampLayout),
		SentAt:      now.Format(timestampLayout),
		MessageID:   b.messageID(page.path, now),
	}

	switch t {
	case TypePage:
		env.Name = p.Name
		page.defaultProperties(props)
	case TypeTrack:
		env.Event = p.Event
	case TypeIdentify:
		env.Traits = identity.CloneTraits(p.Traits)
	case TypeGroup:
		env.GroupID = p.GroupID
		env.Traits = identity.CloneTraits(p.Traits)
	}
	if len(props) > 0 {
		env.Properties = props
	}
	return env
}

// messageID hashes the page path with the wall clock and a sequence number.
// It is an aid for debugging and best-effort deduplication; collisions are
// tolerated.
func (b *Builder) messageID(path string, now time.Time) string {
	seq := b.seq.Add(1)
	d := xxhash.New()
	_, _ = d.WriteString(path)
	_, _ = d.WriteString(strconv.FormatInt(now.UnixNano(), 10))
	_, _ = d.WriteString(strconv.FormatUint(seq, 10))
	return strconv.FormatUint(d.Sum64(), 36)
}

type pageInfo struct {
	url             string
	path            string
	search          string
	hash            string
	host            string
	title           string
	referrer        string
	referringDomain string
	encoding        string
	query           url.Values
}

// pageFacts reads the page from the runtime, falling back to the caller's
// properties.url/path when the runtime has no page.
func pageFacts(rt environment.Runtime, props map[string]any) pageInfo {
	info := pageInfo{
		url:      rt.PageURL(),
		title:    rt.PageTitle(),
		referrer: rt.Referrer(),
		encoding: rt.Encoding(),
	}
	if info.url == "" {
		info.url, _ = props["url"].(string)
	}
	if info.title == "" {
		info.title, _ = props["title"].(string)
	}
	if info.referrer == "" {
		info.referrer, _ = props["referrer"].(string)
	}
	if info.url != "" {
		if u, err := url.Parse(info.url); err == nil {
			info.path = u.Path
			info.host = u.Host
			if u.RawQuery != "" {
				info.search = "?" + u.RawQuery
				info.query = u.Query()
			}
			if u.Fragment != "" {
				info.hash = "#" + u.Fragment
			}
		}
	}
	if info.path == "" {
		info.path, _ = props["path"].(string)
	}
	if info.search == "" {
		if search, ok := props["search"].(string); ok && search != "" {
			info.search = search
			if q, err := url.ParseQuery(trimQuestion(search)); err == nil {
				info.query = q
			}
		}
	}
	if info.referrer != "" {
		if u, err := url.Parse(info.referrer); err == nil {
			info.referringDomain = u.Host
		}
	}
	return info
}

func (p pageInfo) contextMap() map[string]any {
	m := make(map[string]any)
	putString(m, "path", p.path)
	putString(m, "referrer", p.referrer)
	putString(m, "referring_domain", p.referringDomain)
	putString(m, "host", p.host)
	putString(m, "search", p.search)
	putString(m, "title", p.title)
	putString(m, "url", p.url)
	putString(m, "encoding", p.encoding)
	return m
}

func (p pageInfo) campaign() map[string]any {
	campaign := make(map[string]any)
	for param, field := range campaignParams {
		if v := p.query.Get(param); v != "" {
			campaign[field] = v
		}
	}
	return campaign
}

// defaultProperties fills the standard page properties the caller left out.
func (p pageInfo) defaultProperties(props map[string]any) {
	defaults := map[string]string{
		"path":     p.path,
		"url":      p.url,
		"title":    p.title,
		"search":   p.search,
		"hash":     p.hash,
		"referrer": p.referrer,
	}
	for k, v := range defaults {
		if _, set := props[k]; !set && v != "" {
			props[k] = v
		}
	}
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func trimQuestion(s string) string {
	if len(s) > 0 && s[0] == '?' {
		return s[1:]
	}
	return s
}

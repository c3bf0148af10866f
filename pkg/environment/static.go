package environment

// Static is a Runtime backed by fixed values. It is used for replayed events
// and in tests; unset fields degrade to "unknown".
type Static struct {
	URL        string  `yaml:"url"`
	Title      string  `yaml:"title"`
	Referer    string  `yaml:"referrer"`
	Agent      string  `yaml:"user_agent"`
	Lang       string  `yaml:"locale"`
	Charset    string  `yaml:"encoding"`
	Display    *Screen `yaml:"screen"`
	TZOffset   *int    `yaml:"timezone_offset"`
	IP         string  `yaml:"ip"`
	IsHeadless bool    `yaml:"headless"`
}

func (s *Static) PageURL() string   { return s.URL }
func (s *Static) PageTitle() string { return s.Title }
func (s *Static) Referrer() string  { return s.Referer }
func (s *Static) UserAgent() string { return s.Agent }
func (s *Static) Locale() string    { return s.Lang }
func (s *Static) Encoding() string  { return s.Charset }
func (s *Static) ClientIP() string  { return s.IP }
func (s *Static) Headless() bool    { return s.IsHeadless }

func (s *Static) Screen() (Screen, bool) {
	if s.Display == nil {
		return Screen{}, false
	}
	return *s.Display, true
}

func (s *Static) TimezoneOffset() (int, bool) {
	if s.TZOffset == nil {
		return 0, false
	}
	return *s.TZOffset, true
}

// Headless is the runtime of a server process: no page, no visitor. The only
// fact it knows is the process user agent.
type Headless struct {
	Agent string
}

// NewHeadless returns a headless runtime identifying itself with userAgent.
func NewHeadless(userAgent string) *Headless {
	return &Headless{Agent: userAgent}
}

func (h *Headless) PageURL() string             { return "" }
func (h *Headless) PageTitle() string           { return "" }
func (h *Headless) Referrer() string            { return "" }
func (h *Headless) UserAgent() string           { return h.Agent }
func (h *Headless) Locale() string              { return "" }
func (h *Headless) Encoding() string            { return "" }
func (h *Headless) Screen() (Screen, bool)      { return Screen{}, false }
func (h *Headless) TimezoneOffset() (int, bool) { return 0, false }
func (h *Headless) ClientIP() string            { return "" }
func (h *Headless) Headless() bool              { return true }

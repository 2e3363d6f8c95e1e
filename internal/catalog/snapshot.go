package catalog

import (
	"time"
)

// ServiceType identifies which upstream adapter serves a configuration.
type ServiceType string

// The closed set of supported service types.
const (
	ServiceOpenAI           ServiceType = "openai"
	ServiceAnthropic        ServiceType = "anthropic"
	ServiceGemini           ServiceType = "gemini"
	ServiceOpenRouter       ServiceType = "openrouter"
	ServiceVSCodeProxy      ServiceType = "vscode_proxy"
	ServiceLMStudio         ServiceType = "lmstudio"
	ServiceOpenAICompatible ServiceType = "openai_compatible"
	ServiceNone             ServiceType = "none"
)

// ServiceTypes lists every supported value, in display order.
var ServiceTypes = []ServiceType{
	ServiceOpenAI, ServiceAnthropic, ServiceGemini, ServiceOpenRouter,
	ServiceVSCodeProxy, ServiceLMStudio, ServiceOpenAICompatible, ServiceNone,
}

// Valid reports whether t is one of the supported service types.
func (t ServiceType) Valid() bool {
	switch t {
	case ServiceOpenAI, ServiceAnthropic, ServiceGemini, ServiceOpenRouter,
		ServiceVSCodeProxy, ServiceLMStudio, ServiceOpenAICompatible, ServiceNone:
		return true
	}
	return false
}

// DefaultBaseURL returns the upstream endpoint used when a configuration
// leaves api_base_url empty. openai_compatible and none have no default; the
// former requires an explicit URL.
func (t ServiceType) DefaultBaseURL() string {
	switch t {
	case ServiceOpenAI:
		return "https://api.openai.com/v1"
	case ServiceAnthropic:
		return "https://api.anthropic.com"
	case ServiceGemini:
		return "https://generativelanguage.googleapis.com/v1beta"
	case ServiceOpenRouter:
		return "https://openrouter.ai/api/v1"
	case ServiceVSCodeProxy:
		return "http://127.0.0.1:3000"
	case ServiceLMStudio:
		return "http://127.0.0.1:1234/v1"
	default:
		return ""
	}
}

// Endpoint names one of the two proxy listeners.
type Endpoint string

const (
	EndpointGeneral Endpoint = "general"
	EndpointSpecial Endpoint = "special"
)

// Model is the decrypted runtime view of one catalogue row. APIKey holds
// plaintext and must never be serialised; admin responses mask it.
type Model struct {
	ID            int64
	Name          string
	ServiceType   ServiceType
	BaseURL       string // as stored; empty means use the service default
	APIKey        string
	UpstreamID    string // as stored; empty means reuse Name upstream
	Enabled       bool
	ShowOnGeneral bool
	ShowOnSpecial bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ResolvedBaseURL returns the stored URL or the service-type default.
func (m Model) ResolvedBaseURL() string {
	if m.BaseURL != "" {
		return m.BaseURL
	}
	return m.ServiceType.DefaultBaseURL()
}

// ResolvedUpstreamID returns the model identifier sent upstream: the stored
// model_id when present, else the public name.
func (m Model) ResolvedUpstreamID() string {
	if m.UpstreamID != "" {
		return m.UpstreamID
	}
	return m.Name
}

// VisibleOn reports whether the model is served and listed on the endpoint.
func (m Model) VisibleOn(ep Endpoint) bool {
	if !m.Enabled {
		return false
	}
	if ep == EndpointSpecial {
		return m.ShowOnSpecial
	}
	return m.ShowOnGeneral
}

// Snapshot is an immutable view of the catalogue. Handlers grab the current
// snapshot once per request; a concurrent reload swaps in a new one without
// affecting requests already in flight.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	models   []Model
	byName   map[string]int
	byID     map[int64]int
}

// NewSnapshot builds a standalone snapshot from the given models. Production
// code obtains versioned snapshots from the Service; this constructor serves
// fixed catalogues in tests and tooling.
func NewSnapshot(models []Model) *Snapshot {
	return newSnapshot(0, models)
}

func newSnapshot(version uint64, models []Model) *Snapshot {
	s := &Snapshot{
		version:  version,
		loadedAt: time.Now(),
		models:   models,
		byName:   make(map[string]int, len(models)),
		byID:     make(map[int64]int, len(models)),
	}
	for i, m := range models {
		// A disabled row may share its name with an enabled one; the enabled
		// row wins name resolution.
		if j, ok := s.byName[m.Name]; !ok || (m.Enabled && !s.models[j].Enabled) {
			s.byName[m.Name] = i
		}
		s.byID[m.ID] = i
	}
	return s
}

// Version increases by one per reload.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is when this snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Len returns the number of configurations, enabled or not.
func (s *Snapshot) Len() int { return len(s.models) }

// Models returns all configurations in catalogue order. Callers must not
// mutate the returned slice.
func (s *Snapshot) Models() []Model { return s.models }

// Resolve maps a public model name to its enabled configuration.
func (s *Snapshot) Resolve(name string) (Model, bool) {
	i, ok := s.byName[name]
	if !ok || !s.models[i].Enabled {
		return Model{}, false
	}
	return s.models[i], true
}

// Get returns the configuration with the given id, enabled or not.
func (s *Snapshot) Get(id int64) (Model, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Model{}, false
	}
	return s.models[i], true
}

// VisibleOn returns the models served on the given endpoint, in catalogue
// order.
func (s *Snapshot) VisibleOn(ep Endpoint) []Model {
	var visible []Model
	for _, m := range s.models {
		if m.VisibleOn(ep) {
			visible = append(visible, m)
		}
	}
	return visible
}

// Package registration holds the endpoint declarations a host application
// hands to the registrar, and the opaque handles returned for them.
//
// A Registration is never mutated once submitted. Re-registering a changed
// set of endpoints means registering a new Registration (new Handle) and
// unregistering the old one.
package registration

import (
	"github.com/google/uuid"
)

// HealthCheckHTTP is the only declared health-check kind the registrar turns
// into a directory check.
const HealthCheckHTTP = "http"

// HealthCheck is a health check declared by the endpoint owner.
type HealthCheck struct {
	Type string `json:"type" yaml:"type"` // e.g. "http", "tcp"
	Path string `json:"path" yaml:"path"` // request path for http checks
}

// Endpoint is one network service endpoint declared by the host application.
// Name is used verbatim as the directory service ID and must be unique
// across all live registrations.
type Endpoint struct {
	Name        string       `json:"name" yaml:"name"`
	Protocol    string       `json:"protocol" yaml:"protocol"`
	Port        int          `json:"port" yaml:"port"`
	Domain      string       `json:"domain" yaml:"domain"`
	Host        string       `json:"host" yaml:"host"`
	Tags        []string     `json:"tags,omitempty" yaml:"tags,omitempty"`
	HealthCheck *HealthCheck `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`
}

// Registration is an ordered set of endpoints submitted together.
type Registration struct {
	Endpoints []Endpoint `json:"endpoints" yaml:"endpoints"`
}

// New builds a Registration from the given endpoints.
func New(endpoints ...Endpoint) Registration {
	return Registration{Endpoints: endpoints}
}

// Names returns the endpoint names in declaration order.
func (r Registration) Names() []string {
	names := make([]string, 0, len(r.Endpoints))
	for _, ep := range r.Endpoints {
		names = append(names, ep.Name)
	}
	return names
}

// Clone returns a deep copy so callers can't mutate a stored registration
// through shared slices.
func (r Registration) Clone() Registration {
	out := Registration{Endpoints: make([]Endpoint, len(r.Endpoints))}
	for i, ep := range r.Endpoints {
		if ep.Tags != nil {
			ep.Tags = append([]string(nil), ep.Tags...)
		}
		if ep.HealthCheck != nil {
			hc := *ep.HealthCheck
			ep.HealthCheck = &hc
		}
		out.Endpoints[i] = ep
	}
	return out
}

// Handle identifies one Registration for its whole lifetime. The zero value
// is never issued.
type Handle string

// NewHandle issues a fresh random handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

func (h Handle) String() string {
	return string(h)
}

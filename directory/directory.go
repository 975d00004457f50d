// Package directory talks to the external service-discovery directory.
//
// The directory is the source of truth for consumers but is not durable: an
// agent restart (Consul) or an expired lease (etcd) makes it forget records.
// Callers are expected to re-push what they want registered; nothing in this
// package retries on its own.
package directory

import (
	"context"
	"errors"
	"net"
	"slices"
)

// ErrUnavailable marks failures where the directory could not be reached or
// answered with a server-side error. Such calls are safe to retry.
var ErrUnavailable = errors.New("directory unavailable")

// Check is the health-check descriptor attached to a Record. Exactly one of
// HTTP or Args is set.
type Check struct {
	ID       string   `json:"ID"`
	Name     string   `json:"Name"`
	HTTP     string   `json:"HTTP,omitempty"`
	Args     []string `json:"Args,omitempty"`
	Interval string   `json:"Interval"`
	Notes    string   `json:"Notes,omitempty"`
}

// Record is a directory service record as pushed by the registrar.
// ID is the endpoint name, Name the display name.
type Record struct {
	ID    string   `json:"ID"`
	Name  string   `json:"Name"`
	Tags  []string `json:"Tags"`
	Port  int      `json:"Port"`
	Check *Check   `json:"Check,omitempty"`
}

// Entry is a service as observed in the directory.
type Entry struct {
	ID   string   `json:"ID"`
	Name string   `json:"Service"`
	Tags []string `json:"Tags"`
	Port int      `json:"Port"`
}

// HasTag reports whether the entry carries tag.
func (e Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

// Client is the directory as seen by the registrar.
//
// Every method may fail independently. A failed List must be reported as an
// error, never as an empty result, since callers treat the returned map as
// the complete set of managed entries.
type Client interface {
	// Push registers or overwrites one record, keyed by Record.ID.
	Push(ctx context.Context, record Record) error

	// Remove deregisters the record with the given id. Removing an id the
	// directory doesn't know is not an error.
	Remove(ctx context.Context, id string) error

	// List returns the entries carrying tag, keyed by ID.
	List(ctx context.Context, tag string) (map[string]Entry, error)

	// Close releases connections held by the client.
	Close() error
}

// IsTransient reports whether err is worth retrying: timeouts, refused or
// reset connections, and anything marked ErrUnavailable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// *url.Error and *net.OpError both satisfy net.Error
	var netErr net.Error
	return errors.As(err, &netErr)
}

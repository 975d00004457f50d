// Package descriptor derives directory records from endpoint declarations.
//
// Everything here is a pure function of the declaration and the builder's
// settings: no state and no I/O. Records are recomputed on every push and
// never stored.
package descriptor

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"svc-registrar/directory"
	"svc-registrar/registration"
)

const (
	// HealthCheckEndpointKey is the control-tag key that overrides the
	// declared health-check path.
	HealthCheckEndpointKey = "healthCheckEndpoint"

	// ControlTagSeparator splits a control tag into key and value.
	ControlTagSeparator = "::"
)

var (
	ErrEmptyName           = errors.New("endpoint name is empty")
	ErrMalformedControlTag = errors.New("malformed control tag")
)

// versionPattern captures "<base>-v<digits>" with the version anchored at the end.
var versionPattern = regexp.MustCompile(`^(.+)-(v\d+)$`)

// ScriptCheck switches health checks to the legacy script mode: the command
// is run by the directory agent with the check URL as its last argument.
type ScriptCheck struct {
	Command  string
	Interval time.Duration
}

// Builder turns endpoints into directory records.
type Builder struct {
	deployTag     string
	checkInterval time.Duration
	script        *ScriptCheck
	logger        *zap.Logger
}

type Option func(*Builder)

// WithScriptCheck enables script-based checks. An empty command leaves HTTP
// checks in place.
func WithScriptCheck(command string, interval time.Duration) Option {
	return func(b *Builder) {
		if strings.TrimSpace(command) == "" {
			return
		}
		b.script = &ScriptCheck{Command: command, Interval: interval}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuilder creates a builder tagging every record with deployTag and
// declaring checks every checkInterval.
func NewBuilder(deployTag string, checkInterval time.Duration, opts ...Option) *Builder {
	b := &Builder{
		deployTag:     deployTag,
		checkInterval: checkInterval,
		logger:        zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// DeployTag is the marker carried by every record this builder produces.
func (b *Builder) DeployTag() string {
	return b.deployTag
}

// Validate reports declarations that can't be turned into a record at all.
func Validate(ep registration.Endpoint) error {
	if ep.Name == "" {
		return ErrEmptyName
	}
	for _, tag := range ep.Tags {
		if strings.HasPrefix(tag, ControlTagSeparator) {
			return fmt.Errorf("%w %q on endpoint %s: empty key", ErrMalformedControlTag, tag, ep.Name)
		}
	}
	return nil
}

// Build derives the directory record for ep. A health check that can't be
// built is logged and left out; only an invalid declaration is an error.
func (b *Builder) Build(ep registration.Endpoint) (directory.Record, error) {
	if err := Validate(ep); err != nil {
		return directory.Record{}, err
	}
	return directory.Record{
		ID:    ep.Name,
		Name:  ServiceName(ep.Name),
		Tags:  b.Tags(ep),
		Port:  ep.Port,
		Check: b.Check(ep),
	}, nil
}

// BuildAll derives records for every endpoint of reg, failing on the first
// invalid declaration.
func (b *Builder) BuildAll(reg registration.Registration) ([]directory.Record, error) {
	records := make([]directory.Record, 0, len(reg.Endpoints))
	for _, ep := range reg.Endpoints {
		record, err := b.Build(ep)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// ServiceName strips a trailing "-v<digits>" from name.
func ServiceName(name string) string {
	if m := versionPattern.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return name
}

// VersionTag returns the "v<digits>" suffix of name, or "" when there is none.
func VersionTag(name string) string {
	if m := versionPattern.FindStringSubmatch(name); m != nil {
		return m[2]
	}
	return ""
}

// Tags assembles the record tags: deploy marker, protocol, version (if any),
// then every declared tag that isn't a control tag, in declaration order.
func (b *Builder) Tags(ep registration.Endpoint) []string {
	tags := make([]string, 0, len(ep.Tags)+3)
	tags = append(tags, b.deployTag, "protocol-"+ep.Protocol)
	if v := VersionTag(ep.Name); v != "" {
		tags = append(tags, v)
	}
	for _, tag := range ep.Tags {
		if !IsControlTag(tag) {
			tags = append(tags, tag)
		}
	}
	return tags
}

// IsControlTag reports whether tag is a key::value control tag.
func IsControlTag(tag string) bool {
	return strings.Contains(tag, ControlTagSeparator)
}

// ControlTags parses the key::value control tags of ep. Only the first
// separator splits, so "key::value::extra" maps key to "value::extra". When
// a key repeats, the last tag wins.
func ControlTags(ep registration.Endpoint) map[string]string {
	kv := make(map[string]string)
	for _, tag := range ep.Tags {
		if !IsControlTag(tag) {
			continue
		}
		parts := strings.SplitN(tag, ControlTagSeparator, 2)
		kv[parts[0]] = parts[1]
	}
	return kv
}

// Check builds the health-check descriptor for ep, or nil when there is none.
//
// Path precedence: the healthCheckEndpoint control tag, then a declared HTTP
// health check. The target is <protocol>://<host>:<port><path>.
func (b *Builder) Check(ep registration.Endpoint) *directory.Check {
	path, ok := ControlTags(ep)[HealthCheckEndpointKey]
	if !ok && ep.HealthCheck != nil && strings.EqualFold(ep.HealthCheck.Type, registration.HealthCheckHTTP) {
		path, ok = ep.HealthCheck.Path, true
	}
	if !ok {
		return nil
	}

	target, err := checkURL(ep.Protocol, ep.Host, ep.Port, path)
	if err != nil {
		b.logger.Warn("could not create health check for endpoint",
			zap.String("endpoint", ep.Name), zap.String("path", path), zap.Error(err))
		return nil
	}

	id := fmt.Sprintf("%s-%s-%d", ep.Name, ep.Protocol, ep.Port)

	if b.script != nil {
		interval := formatInterval(b.script.Interval)
		args := append(strings.Fields(b.script.Command), target)
		return &directory.Check{
			ID:       id,
			Name:     fmt.Sprintf("Script health check for %s", target),
			Args:     args,
			Interval: interval,
			Notes:    fmt.Sprintf("Script health check running %s every %s", strings.Join(args, " "), interval),
		}
	}

	interval := formatInterval(b.checkInterval)
	return &directory.Check{
		ID:       id,
		Name:     fmt.Sprintf("HTTP health check for %s", target),
		HTTP:     target,
		Interval: interval,
		Notes:    fmt.Sprintf("HTTP health check requesting %s every %s", target, interval),
	}
}

// checkURL builds the check target. Only http and https can be polled by the
// directory, so other protocols have no check URL.
func checkURL(protocol, host string, port int, path string) (string, error) {
	if !strings.EqualFold(protocol, "http") && !strings.EqualFold(protocol, "https") {
		return "", fmt.Errorf("unsupported health check protocol %q", protocol)
	}
	if host == "" {
		return "", errors.New("missing host")
	}
	raw := protocol + "://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(u.Scheme, protocol) || u.Hostname() != host || u.Port() != strconv.Itoa(port) {
		return "", fmt.Errorf("invalid health check url %q", raw)
	}
	return u.String(), nil
}

// formatInterval renders d as whole seconds, e.g. "10s".
func formatInterval(d time.Duration) string {
	return fmt.Sprintf("%ds", int64(d/time.Second))
}

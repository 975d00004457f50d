// Package config holds the registrar settings. Loading is done by the host
// application; this package supplies defaults, environment parsing and
// validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendConsul = "consul"
	BackendEtcd   = "etcd"
)

const (
	DefaultSyncInterval        = 30 * time.Second
	DefaultDeployTag           = "helios-deployed"
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultRequestTimeout      = 5 * time.Second
	DefaultRetries             = 2
	DefaultRetryDelay          = 100 * time.Millisecond
)

// Environment variables read by FromEnv.
const (
	EnvAddress             = "DIRECTORY_ADDRESS"
	EnvBackend             = "DIRECTORY_BACKEND"
	EnvSyncInterval        = "SYNC_INTERVAL"
	EnvDeployTag           = "DEPLOY_TAG"
	EnvHealthCheckInterval = "HEALTH_CHECK_INTERVAL"
	EnvScriptCommand       = "HEALTH_CHECK_SCRIPT"
	EnvScriptInterval      = "HEALTH_CHECK_SCRIPT_INTERVAL"
	EnvRequestTimeout      = "DIRECTORY_TIMEOUT"
	EnvRetries             = "DIRECTORY_RETRIES"
	EnvRateLimit           = "DIRECTORY_RATE_LIMIT"
	EnvRateBurst           = "DIRECTORY_RATE_BURST"
	EnvLeaseTTL            = "ETCD_LEASE_TTL"
	EnvKeyPrefix           = "ETCD_KEY_PREFIX"
)

var ErrMissingAddress = errors.New("directory address is required")

// Config is passed by value into the registrar.
type Config struct {
	// Address of the directory. For consul an http(s) URL, for etcd a
	// comma-separated list of endpoints.
	Address string
	Backend string

	SyncInterval        time.Duration
	DeployTag           string
	HealthCheckInterval time.Duration

	// Legacy script checks; used instead of HTTP checks when ScriptCommand is set.
	ScriptCommand  string
	ScriptInterval time.Duration

	RequestTimeout time.Duration
	Retries        int
	RetryDelay     time.Duration
	RateLimit      float64 // calls per second, 0 disables
	RateBurst      int

	LeaseTTL  time.Duration // etcd only, 0 = records never expire
	KeyPrefix string        // etcd only

	Debug bool
}

// Default returns a Config with every tunable set and no address.
func Default() Config {
	return Config{
		Backend:             BackendConsul,
		SyncInterval:        DefaultSyncInterval,
		DeployTag:           DefaultDeployTag,
		HealthCheckInterval: DefaultHealthCheckInterval,
		RequestTimeout:      DefaultRequestTimeout,
		Retries:             DefaultRetries,
		RetryDelay:          DefaultRetryDelay,
	}
}

// FromEnv applies environment overrides on top of Default. lookup is usually
// os.LookupEnv. The result is validated.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	if err := ApplyEnv(&c, lookup); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyEnv overwrites the fields of c whose variables are set. Every
// unparsable value is reported; c is not validated.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str(EnvAddress, &c.Address)
	str(EnvBackend, &c.Backend)
	str(EnvDeployTag, &c.DeployTag)
	str(EnvScriptCommand, &c.ScriptCommand)
	str(EnvKeyPrefix, &c.KeyPrefix)
	dur(EnvSyncInterval, &c.SyncInterval)
	dur(EnvHealthCheckInterval, &c.HealthCheckInterval)
	dur(EnvScriptInterval, &c.ScriptInterval)
	dur(EnvRequestTimeout, &c.RequestTimeout)
	dur(EnvLeaseTTL, &c.LeaseTTL)
	integer(EnvRetries, &c.Retries)
	integer(EnvRateBurst, &c.RateBurst)
	if v, ok := lookup(EnvRateLimit); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", EnvRateLimit, err))
		} else {
			c.RateLimit = f
		}
	}

	return errors.Join(errs...)
}

// ParseDuration accepts plain seconds ("42") or a Go duration ("42s", "1m").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Validate rejects settings the registrar can't start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrMissingAddress
	}
	switch c.Backend {
	case BackendConsul:
		u, err := url.Parse(c.Address)
		if err != nil {
			return fmt.Errorf("directory address %q is not a proper url: %w", c.Address, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("directory address %q must be an http(s) url", c.Address)
		}
	case BackendEtcd:
		if len(c.EtcdEndpoints()) == 0 {
			return ErrMissingAddress
		}
	default:
		return fmt.Errorf("unknown directory backend %q", c.Backend)
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", c.SyncInterval)
	}
	if c.HealthCheckInterval < time.Second {
		return fmt.Errorf("health check interval must be at least 1s, got %s", c.HealthCheckInterval)
	}
	if c.DeployTag == "" {
		return errors.New("deploy tag must not be empty")
	}
	if c.ScriptCommand != "" && c.ScriptInterval < time.Second {
		return fmt.Errorf("script check interval must be at least 1s, got %s", c.ScriptInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst < 1) {
		return fmt.Errorf("rate limit %v needs a burst of at least 1, got %d", c.RateLimit, c.RateBurst)
	}
	if c.LeaseTTL < 0 || (c.LeaseTTL > 0 && c.LeaseTTL < time.Second) {
		return fmt.Errorf("lease ttl must be 0 or at least 1s, got %s", c.LeaseTTL)
	}
	return nil
}

// EtcdEndpoints splits Address into etcd endpoints.
func (c Config) EtcdEndpoints() []string {
	var out []string
	for _, ep := range strings.Split(c.Address, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			out = append(out, ep)
		}
	}
	return out
}

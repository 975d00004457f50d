package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// ConsulClient registers records as services of the local Consul agent.
//
//	Push   → PUT /v1/agent/service/register
//	Remove → PUT /v1/agent/service/deregister/{id}
//	List   → GET /v1/agent/services, filtered by tag
//
// Agent services are not replicated: when the agent restarts it comes back
// empty, which is exactly the amnesia the registrar's reconciler repairs.
type ConsulClient struct {
	agent     *api.Agent
	transport *http.Transport // owned; idle connections are released on Close
	logger    *zap.Logger
}

// NewConsulClient creates a client for the agent at address, which must be an
// absolute http(s) URL such as "http://localhost:8500". timeout bounds
// connection setup and waiting for response headers.
func NewConsulClient(address string, timeout time.Duration, logger *zap.Logger) (*ConsulClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("consul address %q: %w", address, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("consul address %q: scheme must be http or https", address)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("consul address %q: missing host", address)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}

	cfg := api.DefaultConfig()
	cfg.Address = u.Host
	cfg.Scheme = u.Scheme
	cfg.Transport = transport

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	return &ConsulClient{
		agent:     client.Agent(),
		transport: transport,
		logger:    logger,
	}, nil
}

func (c *ConsulClient) Push(ctx context.Context, record Record) error {
	reg := &api.AgentServiceRegistration{
		ID:   record.ID,
		Name: record.Name,
		Tags: record.Tags,
		Port: record.Port,
	}
	if record.Check != nil {
		reg.Check = &api.AgentServiceCheck{
			CheckID:  record.Check.ID,
			Name:     record.Check.Name,
			HTTP:     record.Check.HTTP,
			Args:     record.Check.Args,
			Interval: record.Check.Interval,
			Notes:    record.Check.Notes,
		}
	}

	c.logger.Debug("registering consul service", zap.String("id", record.ID), zap.Strings("tags", record.Tags))
	if err := c.agent.ServiceRegisterOpts(reg, api.ServiceRegisterOpts{}.WithContext(ctx)); err != nil {
		return consulError("register service "+record.ID, err)
	}
	return nil
}

func (c *ConsulClient) Remove(ctx context.Context, id string) error {
	err := c.agent.ServiceDeregisterOpts(id, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		var se api.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			c.logger.Debug("consul service already absent", zap.String("id", id))
			return nil
		}
		return consulError("deregister service "+id, err)
	}
	return nil
}

func (c *ConsulClient) List(ctx context.Context, tag string) (map[string]Entry, error) {
	services, err := c.agent.ServicesWithFilterOpts("", (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, consulError("list agent services", err)
	}

	entries := make(map[string]Entry, len(services))
	for id, svc := range services {
		if svc == nil {
			continue
		}
		entry := Entry{ID: id, Name: svc.Service, Tags: svc.Tags, Port: svc.Port}
		if entry.HasTag(tag) {
			entries[id] = entry
		}
	}
	return entries, nil
}

func (c *ConsulClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// consulError marks 5xx answers as ErrUnavailable. Transport failures already
// surface as *url.Error and are recognised by IsTransient.
func consulError(op string, err error) error {
	var se api.StatusError
	if errors.As(err, &se) && se.Code >= http.StatusInternalServerError {
		return fmt.Errorf("consul %s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("consul %s: %w", op, err)
}

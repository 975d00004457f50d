package registrar

import (
	"fmt"

	"go.uber.org/zap"

	"svc-registrar/config"
	"svc-registrar/directory"
	"svc-registrar/middleware"
)

// Open validates cfg, connects to the configured directory backend and
// returns a running Registrar.
func Open(cfg config.Config, logger *zap.Logger) (*Registrar, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := NewDirectoryClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("creating registrar",
		zap.String("backend", cfg.Backend),
		zap.String("address", cfg.Address),
		zap.String("deploy_tag", cfg.DeployTag),
		zap.Duration("sync_interval", cfg.SyncInterval))
	return New(client, cfg, logger), nil
}

// NewDirectoryClient builds the backend client for cfg and wraps it in the
// call chain: logging, rate limiting (if enabled), retries, then a per-attempt
// timeout.
func NewDirectoryClient(cfg config.Config, logger *zap.Logger) (directory.Client, error) {
	var (
		base directory.Client
		err  error
	)
	switch cfg.Backend {
	case config.BackendConsul:
		base, err = directory.NewConsulClient(cfg.Address, cfg.RequestTimeout, logger.Named("consul"))
	case config.BackendEtcd:
		base, err = directory.NewEtcdClient(cfg.EtcdEndpoints(), cfg.KeyPrefix, cfg.LeaseTTL, cfg.RequestTimeout, logger.Named("etcd"))
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Backend, err)
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger.Named("directory"))}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	mws = append(mws,
		middleware.RetryMiddleware(cfg.Retries, cfg.RetryDelay, logger.Named("retry")),
		middleware.TimeOutMiddleware(cfg.RequestTimeout),
	)
	return middleware.Wrap(base, mws...), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"svc-registrar/codec"
	"svc-registrar/config"
	"svc-registrar/descriptor"
	"svc-registrar/logging"
	"svc-registrar/registrar"
	"svc-registrar/registration"
)

type options struct {
	cfg             config.Config
	envErr          error
	file            string
	watch           bool
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// newRootCommand builds the CLI. Environment variables, read through lookup,
// become the flag defaults, so an explicit flag always wins.
func newRootCommand(lookup func(string) (string, bool)) *cobra.Command {
	o := &options{cfg: config.Default()}
	o.envErr = config.ApplyEnv(&o.cfg, lookup)

	root := &cobra.Command{
		Use:          "registrar",
		Short:        "Keeps declared endpoints registered in a service directory.",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if o.envErr != nil {
				return o.envErr
			}
			logger, err := logging.New(o.cfg.Debug)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			o.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if o.logger != nil {
				_ = o.logger.Sync()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&o.cfg.Address, "address", o.cfg.Address, "Directory address: consul agent URL, or comma-separated etcd endpoints ($"+config.EnvAddress+")")
	f.StringVar(&o.cfg.Backend, "backend", o.cfg.Backend, "Directory backend, consul or etcd ($"+config.EnvBackend+")")
	f.DurationVar(&o.cfg.SyncInterval, "sync-interval", o.cfg.SyncInterval, "Reconciliation interval ($"+config.EnvSyncInterval+")")
	f.StringVar(&o.cfg.DeployTag, "deploy-tag", o.cfg.DeployTag, "Tag marking directory entries managed by this process ($"+config.EnvDeployTag+")")
	f.DurationVar(&o.cfg.HealthCheckInterval, "health-check-interval", o.cfg.HealthCheckInterval, "HTTP health check interval ($"+config.EnvHealthCheckInterval+")")
	f.StringVar(&o.cfg.ScriptCommand, "script", o.cfg.ScriptCommand, "Run this command with the check URL instead of HTTP checks ($"+config.EnvScriptCommand+")")
	f.DurationVar(&o.cfg.ScriptInterval, "script-interval", o.cfg.ScriptInterval, "Script check interval ($"+config.EnvScriptInterval+")")
	f.DurationVar(&o.cfg.RequestTimeout, "timeout", o.cfg.RequestTimeout, "Timeout of a single directory request ($"+config.EnvRequestTimeout+")")
	f.IntVar(&o.cfg.Retries, "retries", o.cfg.Retries, "Retries of a transiently failing directory request ($"+config.EnvRetries+")")
	f.DurationVar(&o.cfg.RetryDelay, "retry-delay", o.cfg.RetryDelay, "Base delay between retries")
	f.Float64Var(&o.cfg.RateLimit, "rate-limit", o.cfg.RateLimit, "Directory requests per second, 0 for unlimited ($"+config.EnvRateLimit+")")
	f.IntVar(&o.cfg.RateBurst, "rate-burst", o.cfg.RateBurst, "Burst size of the rate limit ($"+config.EnvRateBurst+")")
	f.DurationVar(&o.cfg.LeaseTTL, "lease-ttl", o.cfg.LeaseTTL, "etcd lease TTL, 0 to keep records forever ($"+config.EnvLeaseTTL+")")
	f.StringVar(&o.cfg.KeyPrefix, "key-prefix", o.cfg.KeyPrefix, "etcd key prefix ($"+config.EnvKeyPrefix+")")
	f.BoolVar(&o.cfg.Debug, "debug", o.cfg.Debug, "Enable debug logging")

	root.AddCommand(newRunCommand(o), newValidateCommand(o))
	return root
}

func newRunCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register the declared endpoints and keep them registered until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}
	cmd.Flags().StringVarP(&o.file, "file", "f", "", "Declaration file (.yaml, .yml or .json)")
	cmd.Flags().BoolVar(&o.watch, "watch", false, "Re-apply the declaration file when it changes")
	cmd.Flags().DurationVar(&o.shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for deregistering on shutdown")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newValidateCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Print the directory records a declaration file would produce.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			regs, err := registration.Load(o.file)
			if err != nil {
				return err
			}
			b := descriptor.NewBuilder(o.cfg.DeployTag, o.cfg.HealthCheckInterval,
				descriptor.WithScriptCheck(o.cfg.ScriptCommand, o.cfg.ScriptInterval),
				descriptor.WithLogger(o.logger))
			enc := codec.GetCodec(codec.CodecTypeJSON)
			for i, reg := range regs {
				records, err := b.BuildAll(reg)
				if err != nil {
					return fmt.Errorf("registration %d: %w", i, err)
				}
				for _, record := range records {
					data, err := enc.Encode(record)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(data))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&o.file, "file", "f", "", "Declaration file (.yaml, .yml or .json)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func run(ctx context.Context, o *options) error {
	logger := o.logger

	regs, err := loadValid(o.file)
	if err != nil {
		return err
	}

	r, err := registrar.Open(o.cfg, logger)
	if err != nil {
		return err
	}

	var watcher *registration.Watcher
	if o.watch {
		if watcher, err = registration.NewWatcher(o.file, logger.Named("watcher")); err != nil {
			_ = r.Close()
			return err
		}
		defer watcher.Close()
	}

	handles := registerAll(ctx, r, regs, logger)
	logger.Info("endpoints registered", zap.String("file", o.file), zap.Int("registrations", len(handles)))

	var runErr error
	for watcher != nil {
		if err := watcher.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				runErr = err
			}
			break
		}
		next, err := loadValid(o.file)
		if err != nil {
			logger.Error("declaration file rejected, keeping current registrations", zap.Error(err))
			continue
		}
		// unregister first: the new file usually reuses the same endpoint names
		unregisterAll(ctx, r, handles)
		handles = registerAll(ctx, r, next, logger)
		logger.Info("declarations reloaded", zap.Int("registrations", len(handles)))
	}
	if watcher == nil {
		<-ctx.Done()
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
	defer cancel()
	unregisterAll(shutdownCtx, r, handles)
	return errors.Join(runErr, r.Close())
}

// loadValid reads path and rejects it if any endpoint is invalid, so a bad
// edit never replaces working registrations.
func loadValid(path string) ([]registration.Registration, error) {
	regs, err := registration.Load(path)
	if err != nil {
		return nil, err
	}
	for i, reg := range regs {
		for _, ep := range reg.Endpoints {
			if err := descriptor.Validate(ep); err != nil {
				return nil, fmt.Errorf("registration %d: %w", i, err)
			}
		}
	}
	return regs, nil
}

func registerAll(ctx context.Context, r *registrar.Registrar, regs []registration.Registration, logger *zap.Logger) []registration.Handle {
	handles := make([]registration.Handle, 0, len(regs))
	for i, reg := range regs {
		h, err := r.Register(ctx, reg)
		if err != nil {
			logger.Error("registration failed", zap.Int("registration", i), zap.Strings("endpoints", reg.Names()), zap.Error(err))
			continue
		}
		handles = append(handles, h)
	}
	return handles
}

func unregisterAll(ctx context.Context, r *registrar.Registrar, handles []registration.Handle) {
	for _, h := range handles {
		r.Unregister(ctx, h)
	}
}

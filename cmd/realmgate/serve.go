package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/danmuck/realmgate/internal/auth"
	"github.com/danmuck/realmgate/internal/backend"
	"github.com/danmuck/realmgate/internal/config"
	"github.com/danmuck/realmgate/internal/gateway"
	"github.com/danmuck/realmgate/internal/keystore"
	"github.com/danmuck/realmgate/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	configPath  string
	listenAddr  string
	backendAddr string
	adminAddr   string
}

func serveCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to a TOML config file")
	cmd.Flags().StringVar(&flags.listenAddr, "listen", "", "override listen_addr")
	cmd.Flags().StringVar(&flags.backendAddr, "backend", "", "override backend_addr")
	cmd.Flags().StringVar(&flags.adminAddr, "admin", "", "override admin_addr")
	return cmd
}

// resolveConfig loads the file when given, then applies flags the user set.
func resolveConfig(cmd *cobra.Command, flags serveFlags) (config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = flags.listenAddr
	}
	if cmd.Flags().Changed("backend") {
		cfg.BackendAddr = flags.backendAddr
	}
	if cmd.Flags().Changed("admin") {
		cfg.AdminAddr = flags.adminAddr
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openKeystore(ctx context.Context, cfg config.Config) (keystore.Store, error) {
	switch cfg.Keystore {
	case config.KeystoreSQLite:
		store, err := keystore.OpenSQLite(ctx, cfg.KeystorePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := keystore.NewStaticHex(cfg.Accounts)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// gatewayRuntime is every long-running part of one gateway process.
type gatewayRuntime struct {
	store    keystore.Store
	registry *gateway.Registry
	link     *backend.Link
	gateway  *gateway.Server
	admin    *server.Admin
}

func buildRuntime(ctx context.Context, cfg config.Config) (*gatewayRuntime, error) {
	store, err := openKeystore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	registry := gateway.NewRegistry()
	link := backend.NewLink(backend.Config{
		Addr:         cfg.BackendAddr,
		DialTimeout:  cfg.BackendDialTimeout,
		WriteTimeout: cfg.BackendWriteTimeout,
	}, registry)
	srv := gateway.NewServer(gateway.ServerConfig{
		ListenAddr:   cfg.ListenAddr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		OutboundMode: cfg.OutboundMode(),
		Derivation:   cfg.KeyDerivation,
		Handlers:     gateway.DefaultHandlers(),
		Handshake:    store,
		Backend:      link,
		Registry:     registry,
	})
	rt := &gatewayRuntime{
		store:    store,
		registry: registry,
		link:     link,
		gateway:  srv,
	}
	if cfg.AdminAddr != "" {
		var guard auth.Validator
		if cfg.AdminToken != "" {
			guard = auth.StaticToken{Token: cfg.AdminToken}
		}
		rt.admin = server.NewAdmin("realmgate", registry, link, guard)
	}
	return rt, nil
}

func runGateway(ctx context.Context, cfg config.Config) error {
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.store.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info().
		Str("listen", cfg.ListenAddr).
		Str("backend", cfg.BackendAddr).
		Str("admin", cfg.AdminAddr).
		Str("keystore", cfg.Keystore).
		Msg("realmgate starting")

	errCh := make(chan error, 3)
	running := 0
	start := func(name string, fn func(context.Context) error) {
		running++
		go func() {
			err := fn(ctx)
			if err != nil {
				err = fmt.Errorf("%s: %w", name, err)
			}
			errCh <- err
		}()
	}
	start("backend", rt.link.Run)
	start("gateway", rt.gateway.ListenAndServe)
	if rt.admin != nil {
		start("admin", func(ctx context.Context) error { return rt.admin.ListenAndServe(ctx, cfg.AdminAddr) })
	}

	var first error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
		// any part stopping takes the rest down with it
		cancel()
	}
	log.Info().Err(first).Msg("realmgate stopped")
	return first
}

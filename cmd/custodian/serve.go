package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"custodian-mesh/pkg/api"
	"custodian-mesh/pkg/auth"
	"custodian-mesh/pkg/config"
	"custodian-mesh/pkg/consul"
	"custodian-mesh/pkg/db"
	"custodian-mesh/pkg/discovery"
	"custodian-mesh/pkg/gateway"
	"custodian-mesh/pkg/knowledge"
	"custodian-mesh/pkg/logging"
	"custodian-mesh/pkg/mesh"
	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/policy"
	"custodian-mesh/pkg/store"
	"custodian-mesh/pkg/version"
)

var (
	gatewayAddr string
	adminAddr   string
	storeKind   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway, admin API and discovery loop",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&gatewayAddr, "gateway-addr", "", "override CUSTODIAN_GATEWAY_ADDR")
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", "", "override CUSTODIAN_ADMIN_ADDR")
	serveCmd.Flags().StringVar(&storeKind, "store", "", "override CUSTODIAN_STORE: memory|sqlite|mysql|consul")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if gatewayAddr != "" {
		cfg.GatewayAddr = gatewayAddr
	}
	if adminAddr != "" {
		cfg.AdminAddr = adminAddr
	}
	if storeKind != "" {
		cfg.Store = storeKind
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policies, err := policy.NewStore(cfg.PolicyPath, cfg.SecretPath, log.Named("policy"))
	if err != nil {
		return err
	}
	peers, gdb, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer peers.Close()

	backend, err := openKnowledge(cfg)
	if err != nil {
		return err
	}

	hub := api.NewEventHub(log.Named("events"))
	defer hub.Close()

	clientTLS, err := api.ClientTLSConfig(cfg.PeerCA, cfg.PeerCert, cfg.PeerKey)
	if err != nil {
		return err
	}
	peerHTTP := &http.Client{Transport: &http.Transport{
		TLSClientConfig:     clientTLS,
		MaxIdleConnsPerHost: cfg.Mesh.MaxFanout,
	}}
	coord := mesh.NewCoordinator(peers, &mesh.Client{HTTP: peerHTTP, Secret: policies.Secret},
		cfg.Mesh, hub, log.Named("mesh"))

	seeds, err := discovery.LoadSeeds(cfg.SeedsPath)
	if err != nil {
		return err
	}
	if n, err := discovery.Seed(peers, seeds); err != nil {
		return err
	} else if n > 0 {
		log.Infow("seeded peers", "count", n, "path", cfg.SeedsPath)
	}
	prober := &discovery.Prober{
		Store:   peers,
		Client:  peerHTTP,
		Timeout: cfg.ProbeTimeout,
		Events:  hub,
		Log:     log.Named("discovery"),
	}
	if cfg.ConsulAddr != "" && cfg.ConsulService != "" {
		cli, err := consul.NewClient(cfg.ConsulAddr)
		if err != nil {
			return err
		}
		scheme := "http"
		if cfg.PeerCA != "" {
			scheme = "https"
		}
		prober.Discoverers = append(prober.Discoverers, consul.NewDiscoverer(cli, cfg.ConsulService, scheme))
	}

	var jwtIssuer *auth.Issuer
	if gdb != nil {
		if jwtIssuer, err = auth.NewIssuer(cfg.JWTSecret, 0); err != nil {
			return err
		}
	}

	manifest := cfg.Manifest
	if manifest.Version == "" {
		manifest.Version = version.Build
	}
	gw := gateway.New(policies, backend, gateway.Options{
		Manifest:     manifest,
		Specialties:  cfg.Specialties,
		QueryTimeout: cfg.KnowledgeTimeout,
		Log:          log.Named("gateway"),
	})
	gwMux := http.NewServeMux()
	gw.Routes(gwMux)
	gwSrv := &http.Server{Addr: cfg.GatewayAddr, Handler: gwMux, ReadHeaderTimeout: 5 * time.Second}
	if cfg.GatewayCert != "" {
		if gwSrv.TLSConfig, err = api.ServerTLSConfig(cfg.GatewayCert, cfg.GatewayKey, cfg.GatewayClientCA); err != nil {
			return err
		}
	}

	adminMux := http.NewServeMux()
	api.RegisterRoutes(adminMux, api.Deps{
		Store:       peers,
		Policies:    policies,
		Coordinator: coord,
		Hub:         hub,
		Token:       cfg.AdminToken,
		JWT:         jwtIssuer,
		DB:          gdb,
		Log:         log.Named("api"),
	})
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: adminMux, ReadHeaderTimeout: 5 * time.Second}
	if cfg.AdminToken == "" && jwtIssuer == nil {
		log.Warnw("admin API has no token; every request is admitted", "addr", cfg.AdminAddr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("gateway listening", "addr", cfg.GatewayAddr, "tls", gwSrv.TLSConfig != nil, "id", manifest.ID)
		return listen(gwSrv)
	})
	g.Go(func() error {
		log.Infow("admin listening", "addr", cfg.AdminAddr, "store", cfg.Store)
		return listen(adminSrv)
	})
	g.Go(func() error {
		prober.Run(gctx, cfg.DiscoveryInterval)
		return nil
	})
	g.Go(func() error {
		watchReload(gctx, policies, hub, log)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Infow("shutting down")
		return errors.Join(gwSrv.Shutdown(shutdownCtx), adminSrv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func listen(srv *http.Server) error {
	var err error
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// watchReload re-reads the policy file on SIGHUP.
func watchReload(ctx context.Context, policies *policy.Store, hub *api.EventHub, log *zap.SugaredLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			snap, err := policies.Reload()
			if err != nil {
				log.Errorw("policy reload failed; keeping previous policy", "err", err)
				continue
			}
			log.Infow("policy reloaded", "origins", len(snap.Origins))
			hub.Publish(model.Event{Type: model.EventPolicyReloaded, Timestamp: snap.LoadedAt})
		}
	}
}

// openStore returns the peer registry and, for mysql, the gorm handle the
// login routes share.
func openStore(cfg config.Config) (store.PeerStore, *gorm.DB, error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemoryStore(cfg.Trust, nil), nil, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath, cfg.Trust, nil)
		return s, nil, err
	case "mysql":
		gdb, err := db.Open(cfg.MySQL)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewGormStore(gdb, cfg.Trust, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, gdb, nil
	case "consul":
		s, err := consul.NewStore(cfg.ConsulAddr, cfg.Trust, nil)
		return s, nil, err
	}
	return nil, nil, fmt.Errorf("unsupported store type: %s", cfg.Store)
}

func openKnowledge(cfg config.Config) (knowledge.Backend, error) {
	if cfg.Knowledge == "static" {
		return knowledge.LoadStatic(cfg.KnowledgeFile)
	}
	return knowledge.NewHTTPBackend(cfg.KnowledgeURL, cfg.KnowledgeTimeout), nil
}

// Command fleet-server runs the fleet control plane: the HTTP API and
// dashboard, the in-memory fleet store, credential/session auth, and
// (optionally) cluster coordination with peer servers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sraths91/atlas-sub003/internal/authn"
	"github.com/sraths91/atlas-sub003/internal/cluster"
	"github.com/sraths91/atlas-sub003/internal/config"
	"github.com/sraths91/atlas-sub003/internal/credentials"
	"github.com/sraths91/atlas-sub003/internal/fleet"
	"github.com/sraths91/atlas-sub003/internal/logging"
	"github.com/sraths91/atlas-sub003/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port     = flag.Int("port", 0, "listen port (overrides FLEET_SERVER_PORT / --config)")
		host     = flag.String("host", "", "listen host (overrides FLEET_HOST / --config)")
		confPath = flag.String("config", "", "optional YAML config file")
		certDir  = flag.String("cert-dir", "", "directory holding/receiving the TLS cert and key")
		noTLS    = flag.Bool("no-tls", false, "serve plain HTTP (dev only)")
	)
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return config.ExitConfigError
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *certDir != "" {
		cfg.CertDir = *certDir
	}
	if *noTLS {
		cfg.NoTLS = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return config.ExitConfigError
	}

	log := logging.New(cfg.LogJSON)

	store, err := credentials.OpenBoltStore(cfg.DBPath)
	if err != nil {
		log.Error("failed to open credential store", "error", err)
		return config.ExitConfigError
	}
	defer store.Close()

	fleetStore := fleet.NewStore(log.Logger, nil)
	auth := authn.NewManager(store, cfg.APIKey, cfg.SessionExpiry, cfg.CookieSecure)

	keys := server.NewKeyManager(config.DefaultEncryptedConfigPath())
	if password := os.Getenv("FLEET_E2EE_PASSWORD"); password != "" {
		if err := keys.LoadFromDisk(password); err != nil {
			log.Warn("failed to unlock persisted e2ee config", "error", err)
		}
	}

	var reg *cluster.Registry
	var backend cluster.Backend
	if cfg.ClusterSecret != "" {
		self := cluster.Node{
			NodeID: cluster.NewNodeID(),
			Port:   cfg.Port,
		}
		self.Hostname, _ = os.Hostname()
		reg, err = cluster.NewRegistry([]byte(cfg.ClusterSecret), self, cfg.ClusterNodeTimeout)
		if err != nil {
			log.Error("failed to start cluster registry", "error", err)
			return config.ExitConfigError
		}
		switch cfg.ClusterBackend {
		case "bolt":
			backend, err = cluster.OpenBoltBackend(cfg.ClusterDir+"/cluster.db", cfg.ClusterNodeTimeout*2)
		default:
			backend, err = cluster.NewFileBackend(cfg.ClusterDir)
		}
		if err != nil {
			log.Error("failed to open cluster backend", "error", err)
			return config.ExitConfigError
		}
	}

	app := server.NewApp(cfg, fleetStore, store, auth, keys, reg, backend, log.Logger)
	cron := app.StartMaintenance()
	defer cron.Stop()

	router := app.Routes()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	httpServer := &http.Server{Addr: addr, Handler: router}

	if cfg.TLSEnabled() {
		certPath, keyPath, err := server.EnsureSelfSignedCert(cfg.CertDir)
		if err != nil {
			log.Error("failed to prepare tls certificate", "error", err)
			return config.ExitConfigError
		}
		tlsCfg, err := server.TLSConfig(certPath, keyPath)
		if err != nil {
			log.Error("failed to load tls certificate", "error", err)
			return config.ExitConfigError
		}
		httpServer.TLSConfig = tlsCfg
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled() {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	log.Info("fleet-server listening", "addr", addr, "tls", cfg.TLSEnabled())

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return config.ExitOK
	case err := <-serveErr:
		if err != nil {
			log.Error("server error", "error", err)
			return config.ExitBindFailure
		}
		return config.ExitOK
	}
}

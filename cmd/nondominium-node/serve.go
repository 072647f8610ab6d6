package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/urfave/cli"

	"github.com/ssd-technologies/nondominium/internal/chain"
	"github.com/ssd-technologies/nondominium/internal/config"
	"github.com/ssd-technologies/nondominium/internal/keystore"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/node"
	"github.com/ssd-technologies/nondominium/internal/replication"
	"github.com/ssd-technologies/nondominium/internal/server"
	"github.com/ssd-technologies/nondominium/internal/store"
	"github.com/ssd-technologies/nondominium/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func runServe(c *cli.Context) error {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if cfg.Server.Secret == "" {
		return errors.New("server.secret must be set (NONDOMINIUM_SERVER__SECRET)")
	}
	if err := os.MkdirAll(cfg.DataDirectory, 0o700); err != nil {
		return err
	}

	if err := initialiseLogger(cfg); err != nil {
		return err
	}
	defer logger.Finalise()
	log := logger.New("main")

	id, created, err := keystore.LoadOrGenerate(filepath.Join(cfg.DataDirectory, cfg.Keystore.File), cfg.Keystore.Passphrase)
	if err != nil {
		return err
	}
	if created {
		log.Warnf("generated new agent key %s", id.Agent())
	}

	if cfg.Tracing.Enabled {
		traces, err := os.OpenFile(filepath.Join(cfg.DataDirectory, "traces.json"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer traces.Close()
		shutdown, err := telemetry.InitTracer(cfg.Tracing.Service, string(id.Agent()), traces)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	ch, err := chain.Open(filepath.Join(cfg.DataDirectory, "chain"), id.Agent())
	if err != nil {
		return err
	}
	defer ch.Close()
	shared, err := store.NewSQLite(filepath.Join(cfg.DataDirectory, "shared.db"))
	if err != nil {
		return err
	}
	defer shared.Close()

	nodeCfg, err := nodeConfig(cfg)
	if err != nil {
		return err
	}
	dir := server.NewDirectory(nil)
	remote := server.NewRemote(id, dir, cfg.Server.RemoteTimeout)
	n, err := node.New(id, ch, shared, remote, nodeCfg, nil)
	if err != nil {
		return err
	}
	for _, p := range cfg.Peers {
		agent := model.AgentPubKey(p.Agent)
		if !agent.Valid() {
			return fmt.Errorf("peer %q: invalid agent key", p.Agent)
		}
		dir.Set(agent, p.URL)
		n.AddPeer(replication.Peer{Name: agent.Short(), Source: remote.Replica(agent)})
	}

	srv := server.New(n, remote, server.Config{
		Secret:      cfg.Server.Secret,
		RemoteRate:  cfg.Server.RemoteRate,
		RemoteBurst: cfg.Server.RemoteBurst,
		Timeout:     cfg.Server.Timeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	n.StartWorkers(ctx)
	srv.StartSweeper(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.Infof("agent %s listening on %s", id.Agent(), cfg.Server.Listen)
		errs <- httpServer.ListenAndServe()
	}()
	fmt.Fprintf(c.App.Writer, "agent %s listening on %s\n", id.Agent(), cfg.Server.Listen)

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %s", err)
		}
	}
	return nil
}

func initialiseLogger(cfg *config.Config) error {
	directory := cfg.Logging.Directory
	if !filepath.IsAbs(directory) {
		directory = filepath.Join(cfg.DataDirectory, directory)
	}
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return err
	}
	levels := cfg.Logging.Levels
	if len(levels) == 0 {
		levels = map[string]string{logger.DefaultTag: "info"}
	}
	return logger.Initialise(logger.Configuration{
		Directory: directory,
		File:      cfg.Logging.File,
		Size:      cfg.Logging.Size,
		Count:     cfg.Logging.Count,
		Console:   cfg.Logging.Console,
		Levels:    levels,
	})
}

func nodeConfig(cfg *config.Config) (node.Config, error) {
	out := node.DefaultConfig()
	for _, g := range cfg.Genesis {
		agent := model.AgentPubKey(g)
		if !agent.Valid() {
			return node.Config{}, fmt.Errorf("genesis %q: invalid agent key", g)
		}
		out.Genesis = append(out.Genesis, agent)
	}
	out.Validation.FetchAttempts = cfg.Validation.FetchAttempts
	out.Validation.FetchInterval = cfg.Validation.FetchInterval
	out.Validation.MaxGrantDuration = cfg.Validation.MaxGrantDuration
	out.Validation.Quorum = cfg.Validation.Quorum
	out.Scheme = cfg.Validation.Scheme
	out.Intervals = node.Intervals{
		Resume:    cfg.Intervals.Resume,
		Reconcile: cfg.Intervals.Reconcile,
		Sync:      cfg.Intervals.Sync,
	}
	return out, nil
}

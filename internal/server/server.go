// Package server orchestrates all components: NATS client, views and their
// transports, the bridge, the dispatch journal, metrics and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/morezero/framebus/internal/config"
	"github.com/morezero/framebus/pkg/bridge"
	"github.com/morezero/framebus/pkg/commsutil"
	"github.com/morezero/framebus/pkg/db"
	"github.com/morezero/framebus/pkg/events"
	"github.com/morezero/framebus/pkg/metrics"
	"github.com/morezero/framebus/pkg/sequence"
	"github.com/morezero/framebus/pkg/transport"
)

const logPrefix = "server:server"

// Version is reported by framebus_build_info and /health.
var Version = "dev"

// Params configures a Server. Pool is optional; without it the journal is off.
type Params struct {
	Config   *config.Config
	Conn     *comms.Conn
	Pool     *pgxpool.Pool
	Manifest *bridge.Manifest
}

// Server is the framebus host.
type Server struct {
	cfg      *config.Config
	nc       *comms.Conn
	pool     *pgxpool.Pool
	manifest *bridge.Manifest

	forwarder bridge.Forwarder
	publisher events.EventPublisher
	metrics   *metrics.Publisher
	registry  *prometheus.Registry
	journal   *db.Journal
	repo      *db.Repository

	views      *viewRegistry
	httpServer *http.Server
	started    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the server's components without starting anything.
func New(p Params) (*Server, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("%s - config is required", logPrefix)
	}
	if p.Conn == nil {
		return nil, fmt.Errorf("%s - COMMS connection is required", logPrefix)
	}
	manifest := p.Manifest
	if manifest == nil {
		manifest = bridge.DefaultManifest()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       p.Config,
		nc:        p.Conn,
		pool:      p.Pool,
		manifest:  manifest,
		forwarder: bridge.NewCommsForwarder(p.Conn),
		registry:  prometheus.NewRegistry(),
		views:     newViewRegistry(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(s.registry)
	s.metrics.SetBuildInfo(Version)

	pubs := []events.EventPublisher{s.metrics}
	if p.Config.EventsSubject != "" {
		pubs = append(pubs, events.NewCommsPublisher(p.Conn, &events.CommsPublisherOpts{GlobalSubject: p.Config.EventsSubject}))
	}
	if p.Pool != nil {
		s.repo = db.NewRepository(p.Pool)
		s.journal = db.NewJournal(s.repo, p.Config.JournalBuffer)
		pubs = append(pubs, s.journal)
	}
	s.publisher = events.NewMultiPublisher(pubs...)
	return s, nil
}

// Start runs the journal writer and opens the COMMS view if VIEW_ID is set.
func (s *Server) Start() error {
	s.started = time.Now().UTC()

	if s.journal != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.journal.Run(s.ctx)
		}()
	}

	if s.cfg.ViewID == "" {
		slog.Info(fmt.Sprintf("%s - VIEW_ID is empty, not serving a COMMS view", logPrefix))
		return nil
	}
	return s.openCommsView(s.cfg.ViewID)
}

// openCommsView hosts a view whose content peer talks over NATS: the host
// receives on the view's host subject and sends on its content subject.
func (s *Server) openCommsView(id string) error {
	hostSubject := s.cfg.HostSubject
	if hostSubject == "" {
		hostSubject = commsutil.BuildHostSubject(id)
	}
	contentSubject := s.cfg.ContentSubject
	if contentSubject == "" {
		contentSubject = commsutil.BuildContentSubject(id)
	}

	seq := sequence.New("view:"+id, s.cfg.SequenceBuffer)
	t, err := transport.NewNATS(s.nc, transport.NATSOptions{
		SendSubject:    contentSubject,
		ReceiveSubject: hostSubject,
		Poster:         seq,
	})
	if err != nil {
		return err
	}

	h, err := s.openView(id, kindComms, t, t, seq)
	if err != nil {
		_ = t.Close()
		return err
	}
	if err := t.Listen(h.receive); err != nil {
		s.closeView(id)
		return fmt.Errorf("%s - failed to listen for view %s: %w", logPrefix, id, err)
	}
	slog.Info(fmt.Sprintf("%s - View %s: receiving on %s, sending on %s", logPrefix, id, hostSubject, contentSubject))
	return nil
}

// Shutdown closes every view, then stops the journal after it has written
// the views' final events.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s - http shutdown: %w", logPrefix, err))
		}
	}
	s.closeAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("%s - timed out waiting for background workers: %w", logPrefix, ctx.Err()))
	}
	if s.journal != nil {
		slog.Info(fmt.Sprintf("%s - Journal wrote %d events, dropped %d", logPrefix, s.journal.Written(), s.journal.Dropped()))
	}
	return errors.Join(errs...)
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	// Setup structured logging
	var logLevel slog.Level
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}

	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting framebus %s", logPrefix, Version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Load the bridge manifest
	manifest, err := bridge.LoadManifest(cfg.ManifestFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load manifest: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Manifest %s with %d handlers", logPrefix, manifest.Name, len(manifest.Handlers)))

	// Step 2: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	// Step 3: Connect to database (journal only)
	var pool *pgxpool.Pool
	if cfg.JournalEnabled() {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			nc.Close()
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}

		// Step 3b: Run migrations if enabled
		if cfg.RunMigrations {
			migrations, err := db.LoadMigrations(cfg.MigrationPath)
			if err != nil {
				pool.Close()
				nc.Close()
				return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if _, err := db.RunMigrations(ctx, pool, migrations); err != nil {
				pool.Close()
				nc.Close()
				return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
	} else {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL is empty, dispatch journal disabled", logPrefix))
	}

	// Step 4: Wire views, bridge, publishers
	s, err := New(Params{Config: cfg, Conn: nc, Pool: pool, Manifest: manifest})
	if err != nil {
		closeStores(nc, pool)
		return err
	}
	if err := s.Start(); err != nil {
		_ = s.Shutdown(ctx)
		closeStores(nc, pool)
		return fmt.Errorf("%s - failed to start: %w", logPrefix, err)
	}

	// Step 5: Start HTTP server
	httpAddr := cfg.Addr()
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.Handler()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Framebus is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 2*cfg.HealthCheckTimeout)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
	}
	if err := nc.Drain(); err != nil {
		slog.Warn(fmt.Sprintf("%s - NATS drain: %v", logPrefix, err))
	}
	if pool != nil {
		pool.Close()
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func closeStores(nc *comms.Conn, pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
	nc.Close()
}

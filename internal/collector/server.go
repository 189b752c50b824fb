package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"sensorfabric/internal/config"
	"sensorfabric/internal/metrics"
	"sensorfabric/internal/telemetry"
	"sensorfabric/internal/transport"
)

// Server runs the UDP receive loop, the lease sweep and the dashboard.
type Server struct {
	cfg    config.CollectorConfig
	disp   *Dispatcher
	conn   *transport.Conn
	store  telemetry.Store
	logger *zap.Logger

	dashMu sync.Mutex
	dash   *http.Server
}

// NewServer prepares the storage root, opens the telemetry store and binds
// the UDP socket.
func NewServer(cfg config.CollectorConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	store, err := telemetry.Open(cfg.TelemetryBackend, filepath.Join(cfg.DataDir, "telemetry"), logger)
	if err != nil {
		return nil, err
	}

	disp := NewDispatcher(Options{
		Capacity:      cfg.MaxSessions,
		StorageDir:    cfg.StorageDir,
		TransferLease: cfg.TransferLease,
		ReorderWindow: cfg.ReorderWindow,
		SnapshotPath:  SnapshotPath(cfg.DataDir),
		Store:         store,
		Logger:        logger,
	})

	conn, err := transport.Listen(cfg.Listen, transport.Options{
		MaxDatagram: cfg.MaxDatagram,
		STUN:        cfg.STUNEnabled(),
		AcceptSTUN:  func(from netip.AddrPort) bool { return !disp.Receiving(from) },
		Logger:      logger.Named("transport"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Server{cfg: cfg, disp: disp, conn: conn, store: store, logger: logger}, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() netip.AddrPort { return s.conn.LocalAddr() }

// Dispatcher exposes the server's state.
func (s *Server) Dispatcher() *Dispatcher { return s.disp }

// Run serves until ctx is done. Per-datagram errors never end the loop.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.cfg.TransferLease > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sweep(ctx, sweepInterval(s.cfg.TransferLease))
		}()
	}

	dashErr := make(chan error, 1)
	if s.cfg.DashboardListen != "" {
		s.startDashboard(dashErr)
	}

	s.logger.Info("collector listening",
		zap.Stringer("addr", s.Addr()),
		zap.Int("max_sessions", s.cfg.MaxSessions),
		zap.String("storage_dir", s.cfg.StorageDir),
		zap.Duration("transfer_lease", s.cfg.TransferLease))

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.conn.Serve(ctx, s.handle) }()

	var err error
	select {
	case err = <-serveErr:
	case err = <-dashErr:
		cancel()
		<-serveErr
	}
	cancel()
	wg.Wait()
	s.shutdown()
	return err
}

func (s *Server) handle(from netip.AddrPort, payload []byte) {
	for _, out := range s.disp.Handle(from, payload) {
		if err := s.conn.Send(out.To, out.Payload); err != nil {
			metrics.SendErrors.Inc()
			s.logger.Debug("send failed", zap.Stringer("endpoint", out.To), zap.Error(err))
		}
	}
}

func (s *Server) sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.disp.Expire()
		}
	}
}

func sweepInterval(lease time.Duration) time.Duration {
	every := lease / 4
	if every < 100*time.Millisecond {
		every = 100 * time.Millisecond
	}
	if every > 5*time.Second {
		every = 5 * time.Second
	}
	return every
}

func (s *Server) startDashboard(errc chan<- error) {
	srv := &http.Server{
		Addr:              s.cfg.DashboardListen,
		Handler:           NewDashboard(s.disp, s.store, s.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.dashMu.Lock()
	s.dash = srv
	s.dashMu.Unlock()

	go func() {
		s.logger.Info("dashboard listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("dashboard: %w", err)
		}
	}()
}

func (s *Server) shutdown() {
	s.dashMu.Lock()
	if s.dash != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.dash.Shutdown(ctx)
		cancel()
	}
	s.dashMu.Unlock()

	if err := s.disp.SaveSnapshot(); err != nil {
		s.logger.Warn("session snapshot not saved", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close telemetry store", zap.Error(err))
	}
	s.logger.Info("collector stopped")
}

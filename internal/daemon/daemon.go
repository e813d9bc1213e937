package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"chanfs/internal/config"
	"chanfs/internal/metrics"
)

// shutdownTimeout bounds the final spool flush and metrics shutdown.
const shutdownTimeout = 2 * time.Minute

func init() {
	// Default logging to discard until SetupLogging runs
	log.SetOutput(io.Discard)
}

// Daemon serves the channel-backed tree over NFS
type Daemon struct {
	cfg     *config.Config
	lock    *flock.Flock
	metrics *metrics.Metrics

	stack      *Stack
	spool      *Spool
	nfs        *NFSServer
	metricsSrv *http.Server

	stopCh   chan struct{}
	stopOnce sync.Once
	ready    chan struct{}
	addr     net.Addr
}

// New creates a new daemon instance
func New(cfg *config.Config) *Daemon {
	return &Daemon{
		cfg:     cfg,
		metrics: metrics.New(),
		stopCh:  make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the NFS listener is bound.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the NFS listen address. Valid after Ready.
func (d *Daemon) Addr() net.Addr {
	return d.addr
}

// Stop asks a running daemon to shut down
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Run starts the daemon and blocks until stopped
func (d *Daemon) Run() error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	// Acquire exclusive lock
	d.lock = flock.New(config.LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return errors.New("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	logCloser, err := SetupLogging(d.cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := d.start(ctx); err != nil {
		d.shutdown()
		return err
	}
	log.WithField("addr", d.addr.String()).Infof("Daemon started (PID %d)", os.Getpid())
	close(d.ready)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.nfs.Serve() }()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Infof("Received signal %v, shutting down...", sig)
	case <-d.stopCh:
		log.Info("Stop requested, shutting down...")
	case err := <-serveErr:
		log.Errorf("NFS server stopped: %v", err)
		runErr = err
	}

	if err := d.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	log.Info("Daemon stopped")
	return runErr
}

// start opens the backend, rebuilds the tree and binds the listeners.
func (d *Daemon) start(ctx context.Context) error {
	stack, err := Open(ctx, d.cfg, d.metrics)
	if err != nil {
		return err
	}
	d.stack = stack

	report, err := stack.Service.Load(ctx)
	if err != nil {
		return fmt.Errorf("load tree: %w", err)
	}
	if n := len(report.Rebuild.Corrupt); n > 0 {
		log.Warnf("Skipped %d unreadable metadata records", n)
	}

	if d.spool, err = NewSpool(d.cfg.NFS.SpoolDir, stack.Service, d.cfg.NFS.FlushDelay); err != nil {
		return err
	}

	d.nfs = NewNFSServer(stack.Service, d.spool)
	if err := d.nfs.Listen(d.cfg.NFS.Listen); err != nil {
		return err
	}
	d.addr = d.nfs.Addr()

	if addr := d.cfg.Metrics.Listen; addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		d.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := d.metricsSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics server stopped: %v", err)
			}
		}()
		log.WithField("addr", listener.Addr().String()).Info("Metrics endpoint started")
	}
	return nil
}

// shutdown stops accepting requests, publishes staged writes, and releases
// the backend. It tolerates a partial start.
func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if d.nfs != nil {
		d.nfs.Shutdown()
	}
	if d.spool != nil {
		if err := d.spool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush staged writes: %w", err))
		}
	}
	if d.metricsSrv != nil {
		errs = append(errs, d.metricsSrv.Shutdown(ctx))
	}
	if d.stack != nil {
		errs = append(errs, d.stack.Close())
	}
	return errors.Join(errs...)
}

// Package daemon assembles the relay: badger-backed store and registry,
// router, delivery tracker, spawn manager, SQLite ledger, outbox watchdog,
// Prometheus metrics and the unix socket listener. It owns startup order and
// graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agent-relay/relayd/internal/attachments"
	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/connection"
	"github.com/agent-relay/relayd/internal/delivery"
	"github.com/agent-relay/relayd/internal/ledger"
	"github.com/agent-relay/relayd/internal/metrics"
	"github.com/agent-relay/relayd/internal/outbox"
	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/ratelimit"
	"github.com/agent-relay/relayd/internal/registry"
	"github.com/agent-relay/relayd/internal/router"
	"github.com/agent-relay/relayd/internal/spawn"
	"github.com/agent-relay/relayd/internal/store"
	"github.com/agent-relay/relayd/internal/watchdog"
)

// Daemon is the composed relay.
type Daemon struct {
	cfg *config.Config
	log zerolog.Logger

	db       *badger.DB
	store    *store.Store
	registry *registry.Registry
	router   *router.Router
	tracker  *delivery.Tracker
	spawner  *spawn.Manager
	ledger   *ledger.Ledger
	watchdog *watchdog.Watchdog
	attach   *attachments.Store
	metrics  *metrics.Metrics

	listener net.Listener
	httpSrv  *http.Server
	group    *errgroup.Group
	done     chan struct{}
}

// New builds every component; nothing listens until Start.
func New(cfg *config.Config, log zerolog.Logger) (*Daemon, error) {
	for _, dir := range []string{cfg.Root, cfg.MetaDir(), cfg.OutboxDir(), cfg.ArchiveDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	attach, err := attachments.NewStore(cfg.AttachmentsDir(), cfg.Watchdog.MaxAttachmentBytes)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.StoreDir())
	if err != nil {
		return nil, err
	}
	st := store.New(db)
	reg := registry.New(db)

	m := metrics.New()

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Disabled {
		limiter = ratelimit.Noop{}
	} else {
		limiter = ratelimit.NewTokenBucket(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	}

	r := router.New(cfg, st, reg, limiter, m, log)
	tracker := delivery.New(cfg.Delivery, r.ResolveTarget, st, m, log)
	r.SetTracker(tracker)

	spawner := spawn.New(cfg.SocketPath, log)
	r.SetSpawner(spawner)

	led, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		db.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		log:      log.With().Str("component", "daemon").Logger(),
		db:       db,
		store:    st,
		registry: reg,
		router:   r,
		tracker:  tracker,
		spawner:  spawner,
		ledger:   led,
		attach:   attach,
		metrics:  m,
		done:     make(chan struct{}),
	}
	d.watchdog = watchdog.New(cfg.Watchdog, cfg.OutboxDir(), cfg.ArchiveDir(),
		led, d.injectOutboxMessage, m, log)
	return d, nil
}

// Start binds the socket and launches all loops.
func (d *Daemon) Start() error {
	if err := d.claimSocket(); err != nil {
		return err
	}
	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict socket: %w", err)
	}
	d.listener = ln

	if err := d.watchdog.Start(); err != nil {
		ln.Close()
		return err
	}

	d.group = &errgroup.Group{}
	d.group.Go(d.acceptLoop)
	d.group.Go(d.attachmentSweepLoop)
	if d.cfg.MetricsAddr != "" {
		d.httpSrv = &http.Server{Addr: d.cfg.MetricsAddr, Handler: d.metricsMux()}
		d.group.Go(func() error {
			if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		d.log.Info().Str("addr", d.cfg.MetricsAddr).Msg("metrics endpoint listening")
	}

	d.log.Info().Str("socket", d.cfg.SocketPath).Str("root", d.cfg.Root).Msg("relay daemon started")
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled, then stops.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// Stop shuts everything down in reverse dependency order.
func (d *Daemon) Stop() error {
	close(d.done)
	d.listener.Close()
	if d.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		d.httpSrv.Shutdown(ctx)
		cancel()
	}

	d.router.Shutdown()
	d.spawner.StopAll()
	d.tracker.Close()

	var firstErr error
	if err := d.watchdog.Stop(); err != nil {
		firstErr = err
	}
	if err := d.group.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.ledger.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	os.Remove(d.cfg.SocketPath)

	d.log.Info().Msg("relay daemon stopped")
	return firstErr
}

func (d *Daemon) acceptLoop() error {
	for {
		nc, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.done:
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}
		c := connection.New(nc, connection.Options{
			WriteQueueSize: d.cfg.WriteQueueSize,
			WriteTimeout:   d.cfg.WriteTimeout(),
		}, d.log)
		c.Start(d.router)
	}
}

// attachmentSweepLoop purges blobs older than the archive retention, on the
// watchdog's cleanup cadence.
func (d *Daemon) attachmentSweepLoop() error {
	ticker := time.NewTicker(d.cfg.Watchdog.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return nil
		case <-ticker.C:
			cutoff := time.Now().Add(-d.cfg.Watchdog.ArchiveRetention())
			if n, err := d.attach.Sweep(cutoff); err != nil {
				d.log.Warn().Err(err).Msg("attachment sweep failed")
			} else if n > 0 {
				d.log.Info().Int("count", n).Msg("swept expired attachments")
			}
		}
	}
}

// claimSocket removes a stale socket file, refusing to steal one that a
// live daemon still answers on.
func (d *Daemon) claimSocket() error {
	if _, err := os.Stat(d.cfg.SocketPath); err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o755)
		}
		return err
	}
	conn, err := net.DialTimeout("unix", d.cfg.SocketPath, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", d.cfg.SocketPath)
	}
	if err := os.Remove(d.cfg.SocketPath); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	d.log.Warn().Str("socket", d.cfg.SocketPath).Msg("removed stale socket file")
	return nil
}

func (d *Daemon) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	return mux
}

// injectOutboxMessage is the watchdog sink: one parsed outbox file becomes
// one in-band message from the file's agent. CHANNEL-addressed files fan out
// as channel messages; everything else routes as a SEND to the TO header
// (broadcast "*" included).
func (d *Daemon) injectOutboxMessage(msg *watchdog.Message) error {
	from := msg.AgentName

	if channel := msg.Headers[outbox.HeaderChannel]; channel != "" {
		d.router.ChannelMessageFrom(from, channel, msg.Body, msg.Headers[outbox.HeaderThread])
		return nil
	}

	to := msg.Headers[outbox.HeaderTo]
	if to == "" {
		return fmt.Errorf("outbox file %s has no TO or CHANNEL header", msg.FileID)
	}
	kind := strings.ToLower(msg.Headers[outbox.HeaderType])
	if kind == "" {
		kind = "message"
	}
	env, err := protocol.New(protocol.TypeSend, protocol.SendPayload{
		Kind:   kind,
		Body:   msg.Body,
		Thread: msg.Headers[outbox.HeaderThread],
		Data:   map[string]interface{}{"_fileId": msg.FileID},
	})
	if err != nil {
		return err
	}
	env.From = from
	env.To = to
	env.Topic = msg.Headers[outbox.HeaderTopic]
	d.router.RouteFrom(from, env)
	return nil
}

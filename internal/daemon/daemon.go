// Package daemon is C8: it wires identity, the peer table, the replay
// cache, the receive buffer, transport, discovery, auth/tokens and the
// control server into one running process, and owns the background
// scheduler (reconnect_tick, remove_stale, save_known_peers), the SIGHUP
// token-reload handler, and the strict shutdown ordering spec.md §4.8
// describes. Grounded on core/session/manager.go's ticker-driven
// background goroutine (here: three named timers instead of one cleanup
// loop) plus golang.org/x/sync/errgroup for supervising every background
// task under one cancellation.
package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axon-project/axond/internal/auth"
	"github.com/axon-project/axond/internal/buffer"
	"github.com/axon-project/axond/internal/config"
	"github.com/axon-project/axond/internal/control"
	"github.com/axon-project/axond/internal/daemonerr"
	"github.com/axon-project/axond/internal/discovery"
	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/identity"
	"github.com/axon-project/axond/internal/logger"
	"github.com/axon-project/axond/internal/metrics"
	"github.com/axon-project/axond/internal/ops"
	"github.com/axon-project/axond/internal/peertable"
	"github.com/axon-project/axond/internal/replay"
	"github.com/axon-project/axond/internal/transport"
)

// Daemon is one fully-wired AXON process.
type Daemon struct {
	cfg config.Options
	log logger.Logger

	id       *identity.Identity
	peers    *peertable.Table
	replays  *replay.Cache
	buf      *buffer.Buffer
	tokens   *auth.Tokens
	endpoint *transport.Endpoint
	control  *control.Server
	opsHub   *ops.Server
	recon    *Reconnector

	knownPeersPath string
	replayPath     string
}

// New builds every component and wires them together. Fatal startup
// errors (unreadable identity, invalid clock) are returned rather than
// causing a panic, per spec.md §7's "fatal at startup" propagation policy;
// a control-socket bind failure is returned later by Run. cmd/axond
// decides how to exit.
func New(cfg config.Options, log logger.Logger) (*Daemon, error) {
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "create state directory", err)
	}
	if info, err := os.Lstat(cfg.Root); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, daemonerr.New(daemonerr.CodeIdentityUnreadable, "state root must not be a symlink")
	}

	id, err := identity.LoadOrCreate(cfg.Root)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if now.Before(time.Unix(0, 0)) {
		return nil, daemonerr.New(daemonerr.CodeClockInvalid, "system clock is before the unix epoch")
	}

	peers := peertable.New(log)

	knownPeersPath := filepath.Join(cfg.Root, "known_peers.json")
	if err := loadKnownPeers(knownPeersPath, peers); err != nil {
		log.Warn("failed to load known_peers.json, starting with an empty cache", logger.Error(err))
	}
	for _, sp := range cfg.StaticPeers {
		peers.UpsertStatic(envelope.Canonical(sp.AgentID), joinHostPort(sp.Host, sp.Port), sp.PubkeyB64)
	}

	replayPath := filepath.Join(cfg.Root, "replay_cache.json")
	replays, err := replay.Load(replayPath, cfg.ReplayTTL)
	if err != nil {
		log.Warn("failed to load replay_cache.json, starting empty", logger.Error(err))
		replays = replay.New(cfg.ReplayTTL)
	}

	buf := buffer.New(buffer.Options{
		Capacity:    cfg.BufferCapacity,
		TTL:         cfg.BufferTTL,
		ByteCap:     cfg.BufferByteCap,
		ConsumerCap: cfg.BufferConsumers,
	})

	tokenPath := filepath.Join(cfg.Root, "ipc-token")
	tokens, err := auth.LoadOrGenerate(tokenPath)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:            cfg,
		log:            log,
		id:             id,
		peers:          peers,
		replays:        replays,
		buf:            buf,
		tokens:         tokens,
		recon:          NewReconnector(cfg.ReconnectInitialBackoff, cfg.ReconnectMaxBackoff),
		knownPeersPath: knownPeersPath,
		replayPath:     replayPath,
	}

	transportOpts := transport.Options{
		ListenAddr:       joinHostPort("0.0.0.0", cfg.QuicPort),
		KeepAlive:        cfg.KeepAlive,
		IdleTimeout:      cfg.IdleTimeout,
		MaxBidiStreams:   int64(cfg.MaxBidiStreams),
		MaxUniStreams:    int64(cfg.MaxUniStreams),
		HandshakeTimeout: cfg.HandshakeTimeout,
		RequestTimeout:   cfg.RequestTimeout,
		InitiatorWait:    2 * time.Second,
		MaxInboundConns:  cfg.MaxInboundConns,
	}
	d.endpoint = transport.New(transportOpts, id, peers.Pinset(), log, d.onInbound, d.onHello)

	d.opsHub = ops.New(id, cfg.OpsListenAddr, log)

	controlOpts := control.Options{
		MaxClients:       cfg.MaxControlClients,
		ClientQueueDepth: cfg.ClientQueueDepth,
		AllowV1Mode:      cfg.AllowV1Mode,
		RequestTimeout:   cfg.RequestTimeout,
	}
	d.control = control.New(controlOpts, cfg.SocketPath(), id, peers, buf, tokens, d.endpoint, log)

	return d, nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// onHello is invoked once per fresh inbound connection immediately after
// the responder side of the hello handshake succeeds; outbound connections
// do not call it. It marks the peer connected (rtt 0) and logs, keeping the
// peer table's status in sync for connections we did not dial ourselves
// (inbound from a lower-id peer). It does not broadcast the hello or any
// other event to control-socket subscribers.
func (d *Daemon) onHello(peer envelope.AgentId) {
	rtt := int64(0)
	d.peers.SetConnected(peer, &rtt)
	d.log.Info("peer authenticated", logger.String("peer", string(peer)))
}

// onInbound implements the daemon-wide inbound pipeline spec.md §4.4
// describes: replay filter, then receive-buffer push plus fan-out, then
// (for Request envelopes only) the default auto-responder's reply frame.
// Message semantics are out of scope for the core (spec.md §1), so the
// auto-responder's payload is an empty acknowledgement; any real
// application-level reply travels back as its own freshly broadcast
// envelope, exactly like any other inbound traffic.
func (d *Daemon) onInbound(ctx context.Context, peer envelope.AgentId, env *envelope.Envelope) (*envelope.Envelope, error) {
	d.peers.Touch(peer)

	if err := env.Validate(); err != nil {
		d.log.Debug("dropped malformed inbound envelope", logger.Error(err), logger.String("peer", string(peer)))
		return nil, nil
	}

	if d.replays.IsReplay(env.ID, time.Now()) {
		metrics.ReplayDropped.Inc()
		if env.Kind == envelope.KindRequest {
			return autoAck(env), nil
		}
		return nil, nil
	}

	if env.From == nil {
		from := peer
		env.From = &from
	}

	seq, bufferedAtMs := d.buf.Push(env)
	metrics.BufferDepth.Set(float64(d.buf.Len()))
	metrics.MessagesReceived.WithLabelValues(string(env.Kind)).Inc()

	d.control.PublishInbound(env, seq, bufferedAtMs)
	d.opsHub.Broadcast(env, seq, bufferedAtMs)

	if env.Kind == envelope.KindRequest {
		return autoAck(env), nil
	}
	return nil, nil
}

func autoAck(req *envelope.Envelope) *envelope.Envelope {
	return envelope.Reply(req, envelope.KindResponse, json.RawMessage(`{}`))
}

// Run starts every background task and blocks until ctx is cancelled, then
// executes the shutdown sequence spec.md §4.8 specifies in order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.control.Listen(); err != nil {
		return daemonerr.Wrap(daemonerr.CodeBindFailed, "bind control socket", err)
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return d.endpoint.Serve(gctx) })
	group.Go(func() error { return d.control.Serve(gctx) })
	if d.cfg.OpsEnabled {
		group.Go(func() error { return d.opsHub.Serve(gctx) })
	}

	events := make(chan discovery.Event, 64)
	group.Go(func() error {
		d.runDiscovery(gctx, d.resolveBoundPort(gctx), events)
		return nil
	})
	group.Go(func() error {
		d.consumeDiscovery(gctx, events)
		return nil
	})
	group.Go(func() error {
		d.runSighup(gctx)
		return nil
	})
	group.Go(func() error {
		d.runTimers(gctx)
		return nil
	})

	<-ctx.Done()
	d.shutdown()

	_ = group.Wait()
	return nil
}

// resolveBoundPort waits briefly for the transport endpoint to finish
// binding so the mDNS advertisement carries the real listen port rather
// than the configured one, which may be 0 (ephemeral).
func (d *Daemon) resolveBoundPort(ctx context.Context) int {
	if d.cfg.QuicPort != 0 {
		return d.cfg.QuicPort
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := d.endpoint.Addr(); addr != nil {
			if udpAddr, ok := addr.(*net.UDPAddr); ok {
				return udpAddr.Port
			}
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(10 * time.Millisecond):
		}
	}
	return 0
}

// runDiscovery launches both discovery producers (static config and
// link-local mDNS) feeding the shared event channel, per spec.md §4.5.
func (d *Daemon) runDiscovery(ctx context.Context, port int, events chan<- discovery.Event) {
	var wg sync.WaitGroup

	if len(d.cfg.StaticPeers) > 0 {
		staticPeers := make([]discovery.StaticPeer, 0, len(d.cfg.StaticPeers))
		for _, sp := range d.cfg.StaticPeers {
			staticPeers = append(staticPeers, discovery.StaticPeer{
				ID: envelope.Canonical(sp.AgentID), Host: sp.Host, Port: sp.Port, PubkeyB64: sp.PubkeyB64,
			})
		}
		producer := discovery.NewStaticProducer(staticPeers, 60*time.Second, d.log)
		wg.Add(1)
		go func() { defer wg.Done(); producer.Run(ctx, events) }()
	}

	if d.cfg.MDNSEnabled {
		mdns := discovery.NewMDNSProducer(d.cfg.MDNSServiceName, d.id.AgentID(), d.id.PublicKeyBase64(), port, d.log)
		wg.Add(1)
		go func() { defer wg.Done(); mdns.Run(ctx, events) }()
	}

	wg.Wait()
}

// consumeDiscovery applies discovery.Events to the peer table: Discovered
// events go to UpsertDiscovered and Lost events to Remove. Events for an id
// that holds a static record are ignored, so a re-resolved static address
// is not applied to the table.
func (d *Daemon) consumeDiscovery(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case discovery.Discovered:
				if rec, ok := d.peers.Get(ev.ID); ok && rec.Source == peertable.SourceStatic {
					continue
				}
				d.peers.UpsertDiscovered(ev.ID, ev.Addr, ev.Pubkey)
			case discovery.Lost:
				if rec, ok := d.peers.Get(ev.ID); ok && rec.Source != peertable.SourceStatic {
					d.peers.Remove(ev.ID)
				}
			}
		}
	}
}

// runSighup re-reads the token file on SIGHUP and publishes it through the
// watch channel, per spec.md §4.9.
func (d *Daemon) runSighup(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := d.tokens.Reload(); err != nil {
				d.log.Error("token reload failed", logger.Error(err))
				continue
			}
			d.log.Info("ipc token reloaded on SIGHUP")
		}
	}
}

// runTimers drives the three named background timers spec.md §4.8
// defines: save_known_peers (60s), remove_stale (5s), reconnect_tick (1s).
func (d *Daemon) runTimers(ctx context.Context) {
	saveTicker := time.NewTicker(d.cfg.SaveKnownPeers)
	defer saveTicker.Stop()
	staleTicker := time.NewTicker(d.cfg.RemoveStaleEvery)
	defer staleTicker.Stop()
	reconnectTicker := time.NewTicker(d.cfg.ReconnectEvery)
	defer reconnectTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-saveTicker.C:
			if err := saveKnownPeers(d.knownPeersPath, d.peers); err != nil {
				d.log.Warn("failed to persist known_peers.json", logger.Error(err))
			}
		case <-staleTicker.C:
			removed := d.peers.RemoveStale(d.cfg.StaleTTL)
			for _, id := range removed {
				d.log.Debug("removed stale discovered peer", logger.String("peer", string(id)))
			}
			if len(removed) > 0 {
				d.endpoint.GCConnectingLocks(liveIDSet(d.peers))
			}
			metrics.PeersKnown.Set(float64(len(d.peers.Snapshot())))
		case <-reconnectTicker.C:
			d.recon.Tick(ctx, d.id.AgentID(), d.peers, d.endpoint, d.log)
			connected := 0
			for _, r := range d.peers.Snapshot() {
				if r.Status == peertable.StatusConnected {
					connected++
				}
			}
			metrics.PeersConnected.Set(float64(connected))
		}
	}
}

func liveIDSet(peers *peertable.Table) map[envelope.AgentId]struct{} {
	snap := peers.Snapshot()
	out := make(map[envelope.AgentId]struct{}, len(snap))
	for _, r := range snap {
		out[r.AgentID] = struct{}{}
	}
	return out
}

// shutdown executes spec.md §4.8's exact ordering: a brief settle delay,
// close every transport connection, persist the peer directory, persist
// the replay cache, then remove the control socket.
func (d *Daemon) shutdown() {
	d.log.Info("shutdown: draining in-flight streams")
	time.Sleep(100 * time.Millisecond)

	if err := d.endpoint.Close(); err != nil {
		d.log.Warn("error closing transport", logger.Error(err))
	}

	if err := saveKnownPeers(d.knownPeersPath, d.peers); err != nil {
		d.log.Warn("failed to persist known_peers.json at shutdown", logger.Error(err))
	}

	if err := d.replays.Save(d.replayPath); err != nil {
		d.log.Warn("failed to persist replay_cache.json at shutdown", logger.Error(err))
	}

	d.control.Close()
	d.log.Info("shutdown complete")
}

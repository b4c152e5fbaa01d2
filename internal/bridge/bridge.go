package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/balena-io/leviathan-worker/internal/worker"
)

// DefaultProbeTimeout bounds the reachability check in Forward.
const DefaultProbeTimeout = 3 * time.Second

// DialFunc opens an outbound connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Bridge.
type Options struct {
	Logger logrus.FieldLogger
	// Dial opens TCP connections. Nil means a net.Dialer.
	Dial DialFunc
	// Resolver handles .local hosts. Nil means an MDNSResolver.
	Resolver Resolver
	// ProbeTimeout bounds the reachability check. Zero means DefaultProbeTimeout.
	ProbeTimeout time.Duration
	// ActiveRelays tracks open relays. May be nil.
	ActiveRelays prometheus.Gauge
}

// Bridge accepts WebSocket connections and relays them to the current target.
type Bridge struct {
	dial         DialFunc
	resolver     Resolver
	probeTimeout time.Duration
	active       prometheus.Gauge
	log          logrus.FieldLogger
	upgrader     websocket.Upgrader

	mu     sync.Mutex
	target string
	peers  map[*relay]struct{}
	srv    *http.Server
	closed bool
}

// New creates a Bridge with no target.
func New(opts Options) *Bridge {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := &Bridge{
		dial:         opts.Dial,
		resolver:     opts.Resolver,
		probeTimeout: opts.ProbeTimeout,
		active:       opts.ActiveRelays,
		log:          log.WithField("component", "bridge"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: make(map[*relay]struct{}),
	}
	if b.dial == nil {
		b.dial = (&net.Dialer{}).DialContext
	}
	if b.resolver == nil {
		b.resolver = &MDNSResolver{}
	}
	if b.probeTimeout <= 0 {
		b.probeTimeout = DefaultProbeTimeout
	}
	if b.active == nil {
		b.active = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bridge_active_relays"})
	}
	return b
}

// Target returns the address relays currently connect to, or "" if none.
func (b *Bridge) Target() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target
}

// ParseTarget splits a host:port target.
func ParseTarget(target string) (host, port string, err error) {
	invalid := func(cause error) error {
		return worker.ConfigurationError("Invalid address format. Expected format: address:port", cause)
	}
	host, port, err = net.SplitHostPort(target)
	if err != nil {
		return "", "", invalid(err)
	}
	if host == "" {
		return "", "", invalid(nil)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", "", invalid(err)
	}
	return host, port, nil
}

// Forward points the bridge at target after checking it is reachable.
// Existing relays are closed; new WebSocket connections are relayed to
// the new target.
func (b *Bridge) Forward(ctx context.Context, target string) error {
	host, port, err := ParseTarget(target)
	if err != nil {
		return err
	}
	if strings.HasSuffix(host, ".local") {
		resolved, err := b.resolver.Resolve(ctx, host)
		if err != nil {
			return err
		}
		b.log.WithFields(logrus.Fields{"host": host, "address": resolved}).Debug("resolved local host")
		host = resolved
	}
	addr := net.JoinHostPort(host, port)

	probeCtx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()
	conn, err := b.dial(probeCtx, "tcp", addr)
	if err != nil {
		return worker.ConnectFailure(fmt.Sprintf("Could not establish connection to %s", target), err)
	}
	_ = conn.Close()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return worker.InvalidState("bridge is closed", nil)
	}
	b.target = addr
	peers := b.detachPeers()
	b.mu.Unlock()

	for _, r := range peers {
		r.close()
	}
	b.log.WithField("target", addr).Info("forwarding websocket connections")
	return nil
}

// detachPeers snapshots the peer set. Relays remove themselves as they
// close. Callers hold b.mu.
func (b *Bridge) detachPeers() []*relay {
	peers := make([]*relay, 0, len(b.peers))
	for r := range b.peers {
		peers = append(peers, r)
	}
	return peers
}

// ServeHTTP upgrades the request and relays it to the current target.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := b.Target()
	if target == "" {
		http.Error(w, "bridge has no target", http.StatusServiceUnavailable)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	rl := newRelay(ws, b.log.WithField("remote", r.RemoteAddr), b.untrack)
	if !b.track(rl) {
		rl.close()
		return
	}
	go rl.run(b.dial, target)
}

func (b *Bridge) track(r *relay) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.peers[r] = struct{}{}
	b.active.Inc()
	return true
}

func (b *Bridge) untrack(r *relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[r]; ok {
		delete(b.peers, r)
		b.active.Dec()
	}
}

// Serve accepts connections on ln until Close is called.
func (b *Bridge) Serve(ln net.Listener) error {
	srv := &http.Server{Handler: b, ReadHeaderTimeout: 10 * time.Second}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return http.ErrServerClosed
	}
	b.srv = srv
	b.mu.Unlock()

	b.log.WithField("addr", ln.Addr().String()).Info("bridge listening")
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the listener and every relay.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.target = ""
	peers := b.detachPeers()
	srv := b.srv
	b.mu.Unlock()

	for _, r := range peers {
		r.close()
	}
	if srv != nil {
		return srv.Close()
	}
	return nil
}

// Package daemon runs a trollbox service node: it answers hello, lightpush,
// filter and store requests from light clients over QUIC, relays pushes to
// other service nodes and keeps a pruned envelope history.
package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"trollbox/internal/config"
	"trollbox/internal/crypto"
	"trollbox/internal/debuglog"
	"trollbox/internal/metrics"
	"trollbox/internal/network"
	"trollbox/internal/node"
	"trollbox/internal/proto"
	"trollbox/internal/retention"
	"trollbox/internal/store"
)

const (
	nodeIDFile    = "node_id"
	devTLSCAFile  = "devtls_ca.pem"
	historyDir    = "history"
	metricsFile   = "metrics.json"
	snapInterval  = time.Second
	shutdownGrace = 2 * time.Second
)

type Runner struct {
	Root    string
	Store   *store.Store
	Metrics *metrics.Metrics
	NodeID  [32]byte

	cfg       config.Node
	clusterID uint32
	shards    []uint32

	hub     *hub
	seen    *node.SeenCache
	limiter *hostLimiter
	relay   *relayMan
	started time.Time

	listenMu   sync.RWMutex
	listenAddr string
	snapPath   string
	stopSnap   chan struct{}
	ownsStore  bool
}

type Options struct {
	Store    *store.Store
	Metrics  *metrics.Metrics
	SnapPath string
	// Node carries listen, relay, rate limit and retention settings.
	Node      config.Node
	ClusterID uint32
	Shards    []uint32
	// Client configures outbound relay connections.
	Client network.ClientOptions
}

func NewRunner(root string, opts Options) (*Runner, error) {
	if root == "" {
		return nil, fmt.Errorf("missing root")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	id, err := loadNodeID(root)
	if err != nil {
		return nil, err
	}
	st := opts.Store
	owns := false
	if st == nil {
		st, err = store.Open(filepath.Join(root, historyDir))
		if err != nil {
			return nil, err
		}
		owns = true
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	snapPath := opts.SnapPath
	if snapPath == "" {
		snapPath = filepath.Join(root, metricsFile)
	}
	cfg := opts.Node
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = config.DefaultMaxHops
	}
	clusterID := opts.ClusterID
	if clusterID == 0 {
		clusterID = node.DefaultClusterID
	}
	shards := opts.Shards
	if len(shards) == 0 {
		shards = []uint32{0}
	}
	relay, err := newRelayMan(cfg.RelayPeers, clusterID, opts.Client)
	if err != nil {
		if owns {
			_ = st.Close()
		}
		return nil, err
	}
	return &Runner{
		Root:      root,
		Store:     st,
		Metrics:   m,
		NodeID:    id,
		cfg:       cfg,
		clusterID: clusterID,
		shards:    shards,
		hub:       newHub(),
		seen:      node.NewSeenCache(0, 0),
		limiter:   newHostLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		relay:     relay,
		snapPath:  snapPath,
		stopSnap:  make(chan struct{}),
		ownsStore: owns,
	}, nil
}

// loadNodeID reads the node id from root, creating one on first start.
func loadNodeID(root string) ([32]byte, error) {
	var id [32]byte
	path := filepath.Join(root, nodeIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		raw, derr := hex.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil || len(raw) != len(id) {
			return id, fmt.Errorf("corrupt node id in %s", path)
		}
		copy(id[:], raw)
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return id, err
	}
	seed := []byte(root + "|" + strconv.FormatInt(time.Now().UnixNano(), 10))
	id = crypto.NodeID(seed)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(id[:])+"\n"), 0600); err != nil {
		return id, err
	}
	return id, nil
}

func (r *Runner) NodeIDHex() string {
	return hex.EncodeToString(r.NodeID[:])
}

func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r == nil || r.Metrics == nil || r.snapPath == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
					debuglog.RateLimitedf("snapshot-write", time.Minute, "daemon: metrics snapshot: %v", err)
				}
			case <-r.stopSnap:
				return
			}
		}
	}()
}

func (r *Runner) StopSnapshotWriter() {
	if r == nil {
		return
	}
	select {
	case r.stopSnap <- struct{}{}:
	default:
	}
}

func (r *Runner) Run(addr string, devTLS bool) error {
	return r.RunWithContext(context.Background(), addr, devTLS, nil)
}

// RunWithContext serves until ctx ends. The bound QUIC address is sent on
// ready once the listener is up.
func (r *Runner) RunWithContext(ctx context.Context, addr string, devTLS bool, ready chan<- string) error {
	if r == nil {
		return fmt.Errorf("missing runner")
	}
	if addr == "" {
		addr = r.cfg.Listen
	}
	if devTLS {
		if err := network.WriteDevTLSCA(filepath.Join(r.Root, devTLSCAFile)); err != nil {
			return fmt.Errorf("write devtls ca: %w", err)
		}
	}
	srv, err := network.Listen(network.ServerOptions{
		Addr:   addr,
		DevTLS: devTLS,
		OnConns: func(conns, streams int64) {
			r.Metrics.SetCurrentConns(conns)
			r.Metrics.SetCurrentStreams(streams)
		},
	})
	if err != nil {
		return err
	}
	actual := srv.Addr().String()
	r.setListenAddr(actual)
	r.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.StartSnapshotWriter(snapInterval)
	defer r.StopSnapshotWriter()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.relay.run(ctx)
	}()

	if r.cfg.Retention.Enabled {
		sched, err := retention.New(r.Store, retention.Options{
			Cron:    r.cfg.Retention.Cron,
			Period:  r.cfg.Retention.Period.Duration(),
			OnPrune: r.Metrics.AddPruned,
		})
		if err != nil {
			_ = srv.Close()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}

	var admin *http.Server
	if r.cfg.HTTPAddr != "" {
		admin, err = r.startAdmin(r.cfg.HTTPAddr)
		if err != nil {
			_ = srv.Close()
			return err
		}
	}

	if ready != nil {
		select {
		case ready <- actual:
		default:
		}
	}
	l := debuglog.Logger()
	l.Info().
		Str("addr", actual).
		Str("node_id", r.NodeIDHex()).
		Uint32("cluster", r.clusterID).
		Int("relay_peers", len(r.cfg.RelayPeers)).
		Msg("service node ready")

	err = srv.Serve(ctx, r.handle)
	cancel()
	r.hub.closeAll()
	if admin != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = admin.Shutdown(sctx)
		scancel()
	}
	wg.Wait()
	return err
}

// Close releases the relay client and, when the runner opened it, the
// history store.
func (r *Runner) Close() error {
	if r == nil {
		return nil
	}
	r.relay.close()
	if r.ownsStore {
		return r.Store.Close()
	}
	return nil
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

func (r *Runner) ListenAddr() string {
	if r == nil {
		return ""
	}
	r.listenMu.RLock()
	addr := r.listenAddr
	r.listenMu.RUnlock()
	return addr
}

func (r *Runner) capabilities() []string {
	return append([]string(nil), proto.AllProtocols...)
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

package daemon

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trollbox/internal/debuglog"
	"trollbox/internal/metrics"
)

// Status is the /v1/status document; `trollbox-node status` prints it.
type Status struct {
	NodeID       string           `json:"node_id"`
	ListenAddr   string           `json:"listen_addr"`
	ClusterID    uint32           `json:"cluster_id"`
	Shards       []uint32         `json:"shards"`
	Capabilities []string         `json:"capabilities"`
	Uptime       string           `json:"uptime"`
	Subscribers  int              `json:"subscribers"`
	Stored       int              `json:"stored"`
	RelayPeers   []RelayStatus    `json:"relay_peers,omitempty"`
	Metrics      metrics.Snapshot `json:"metrics"`
}

func (r *Runner) Status() Status {
	stored, err := r.Store.Count()
	if err != nil {
		debuglog.RateLimitedf("status-count", time.Minute, "daemon: count history: %v", err)
	}
	return Status{
		NodeID:       r.NodeIDHex(),
		ListenAddr:   r.ListenAddr(),
		ClusterID:    r.clusterID,
		Shards:       r.shards,
		Capabilities: r.capabilities(),
		Uptime:       r.uptime().String(),
		Subscribers:  r.hub.len(),
		Stored:       stored,
		RelayPeers:   r.relay.status(),
		Metrics:      r.Metrics.Snapshot(),
	}
}

// AdminRouter serves /healthz, /metrics and /v1/status.
func (r *Runner) AdminRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Method(http.MethodGet, "/metrics", r.Metrics.Handler())
	mux.Route("/v1", func(v1 chi.Router) {
		v1.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			_ = enc.Encode(r.Status())
		})
	})
	return mux
}

func (r *Runner) startAdmin(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           r.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debuglog.Warnf("daemon: admin http: %v", err)
		}
	}()
	debuglog.Logf("admin http ready: %s", ln.Addr())
	return srv, nil
}

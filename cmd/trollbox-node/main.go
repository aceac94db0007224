package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"trollbox/internal/config"
	"trollbox/internal/daemon"
	"trollbox/internal/debuglog"
	"trollbox/internal/metrics"
	"trollbox/internal/network"
	"trollbox/internal/pprofutil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: trollbox-node <run|status> [args]")
	fmt.Fprintln(w, "  run    [--addr <ip:port>] [--config <file>] [--http <ip:port>] [--devtls] [--debug]")
	fmt.Fprintln(w, "  status [--http <ip:port>]")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port), overrides node.listen")
	cfgPath := fs.String("config", "", "config file (yaml)")
	httpAddr := fs.String("http", "", "admin http addr, overrides node.http_addr")
	devTLS := fs.Bool("devtls", false, "allow deterministic dev TLS certs (unsafe)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("TROLLBOX_DEBUG", "1")
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	debuglog.Configure(stderr, cfg.Logging.Level, cfg.Logging.Format)
	if *addr != "" {
		cfg.Node.Listen = *addr
	}
	if *httpAddr != "" {
		cfg.Node.HTTPAddr = *httpAddr
	}
	if cfg.Node.Listen == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if !*devTLS && !cfg.Network.DevTLS {
		fmt.Fprintln(stderr, "dev TLS disabled by default; pass --devtls to enable")
		return 1
	}
	fmt.Fprintln(stderr, "WARNING: using deterministic dev TLS certificates")
	if _, err := pprofutil.StartFromEnv(); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}

	runner, err := daemon.NewRunner(config.HomeDir(), daemon.Options{
		Metrics:   metrics.New(),
		Node:      cfg.Node,
		ClusterID: cfg.Network.ClusterID,
		Shards:    cfg.Network.Shards,
		Client: network.ClientOptions{
			DevTLS:       true,
			DevTLSCAPath: cfg.Network.DevTLSCAPath,
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	defer runner.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan string, 1)
	go func() {
		select {
		case actual := <-ready:
			fmt.Fprintf(stdout, "READY addr=%s node_id=%s\n", actual, runner.NodeIDHex())
		case <-ctx.Done():
		}
	}()
	if err := runner.RunWithContext(ctx, cfg.Node.Listen, true, ready); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	httpAddr := fs.String("http", "", "query a running node's admin endpoint")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *httpAddr != "" {
		st, err := fetchStatus(*httpAddr)
		if err != nil {
			fmt.Fprintf(stderr, "status: %v\n", err)
			return 1
		}
		printStatus(stdout, st)
		return 0
	}
	snap, err := metrics.ReadSnapshot(filepath.Join(config.HomeDir(), "metrics.json"))
	if err != nil {
		fmt.Fprintf(stdout, "status: no local snapshot\n")
		return 0
	}
	fmt.Fprintf(stdout, "Local snapshot from %s:\n", snap.GeneratedAt.Format(time.RFC3339))
	printSnapshot(stdout, snap)
	return 0
}

func fetchStatus(addr string) (daemon.Status, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/v1/status")
	if err != nil {
		return daemon.Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return daemon.Status{}, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var st daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return daemon.Status{}, err
	}
	return st, nil
}

func printStatus(w io.Writer, st daemon.Status) {
	fmt.Fprintf(w, "node %s at %s (cluster %d, shards %v)\n", st.NodeID, st.ListenAddr, st.ClusterID, st.Shards)
	fmt.Fprintf(w, "  uptime: %s\n", st.Uptime)
	fmt.Fprintf(w, "  capabilities: %v\n", st.Capabilities)
	fmt.Fprintf(w, "  stored envelopes: %d\n", st.Stored)
	fmt.Fprintf(w, "  subscribers: %d\n", st.Subscribers)
	for _, p := range st.RelayPeers {
		state := "down"
		if p.Up {
			state = "up"
		}
		fmt.Fprintf(w, "  relay %s: %s (failures=%d)\n", p.Addr, state, p.Failures)
	}
	printSnapshot(w, st.Metrics)
}

func printSnapshot(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "  push: accepted=%d relayed=%d\n", snap.Push.Accepted, snap.Push.Relayed)
	fmt.Fprintf(w, "  push dropped: duplicate=%d rate_limited=%d invalid=%d\n",
		snap.Push.DropDuplicate, snap.Push.DropRate, snap.Push.DropInvalid)
	fmt.Fprintf(w, "  store: stored=%d queries=%d pruned=%d\n", snap.Store.Stored, snap.Store.Queries, snap.Store.Pruned)
	fmt.Fprintf(w, "  filter: subscribers=%d delivered=%d\n", snap.Filter.Subscribers, snap.Filter.Delivered)
	fmt.Fprintf(w, "  conns=%d streams=%d\n", snap.CurrentConns, snap.CurrentStreams)
}

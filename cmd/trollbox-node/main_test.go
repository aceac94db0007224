package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"trollbox/internal/config"
	"trollbox/internal/daemon"
	"trollbox/internal/metrics"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "trollbox-node") {
		t.Fatalf("expected help output to mention trollbox-node")
	}
}

func TestRunRequiresDevTLS(t *testing.T) {
	t.Setenv("TROLLBOX_HOME", t.TempDir())
	t.Setenv("TROLLBOX_DEVTLS", "")
	var out, errb bytes.Buffer
	if code := run([]string{"run", "--addr", "127.0.0.1:0"}, &out, &errb); code != 1 {
		t.Fatalf("expected failure without --devtls")
	}
	if !strings.Contains(errb.String(), "--devtls") {
		t.Fatalf("unexpected stderr: %s", errb.String())
	}
}

func TestStatusWithoutSnapshot(t *testing.T) {
	t.Setenv("TROLLBOX_HOME", t.TempDir())
	var out bytes.Buffer
	if code := run([]string{"status"}, &out, &out); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "no local snapshot") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestStatusFromSnapshot(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TROLLBOX_HOME", home)
	m := metrics.New()
	m.IncPushAccepted()
	m.IncStored()
	if err := m.WriteSnapshot(home + "/metrics.json"); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	var out bytes.Buffer
	if code := run([]string{"status"}, &out, &out); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "accepted=1") || !strings.Contains(out.String(), "stored=1") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestStatusOverHTTP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	httpAddr := ln.Addr().String()
	_ = ln.Close()

	r, err := daemon.NewRunner(t.TempDir(), daemon.Options{Node: config.Node{HTTPAddr: httpAddr}})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- r.RunWithContext(ctx, "127.0.0.1:0", true, ready) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = r.Close()
	})
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("run: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("service node not ready")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + httpAddr + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("admin endpoint not up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	var out, errb bytes.Buffer
	if code := run([]string{"status", "--http", httpAddr}, &out, &errb); code != 0 {
		t.Fatalf("status failed: %s", errb.String())
	}
	if !strings.Contains(out.String(), r.NodeIDHex()) {
		t.Fatalf("status missing node id: %s", out.String())
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"trollbox/internal/config"
	"trollbox/internal/crypto"
	"trollbox/internal/daemon"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("TROLLBOX_HOME", t.TempDir())
	t.Setenv("TROLLBOX_STORAGE_DRIVER", "memory")
	t.Setenv("TROLLBOX_BOOTSTRAP_PEERS", "")
	t.Setenv("TROLLBOX_APP_ID", "")
	t.Setenv("TROLLBOX_ORIGIN", "")
	t.Setenv("TROLLBOX_ENCRYPTION_KEY", "")
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"--help"}, &out, &out); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "trollbox") {
		t.Fatalf("expected help output to mention trollbox")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"bogus"}, &out, &out); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestDeriveMatchesCrypto(t *testing.T) {
	isolate(t)
	var out, errb bytes.Buffer
	code := run([]string{"derive", "--app-id", "myapp", "--origin", "https://example.org", "--secret", "s3cret"}, &out, &errb)
	if code != 0 {
		t.Fatalf("derive failed: %s", errb.String())
	}
	want := "topic=" + crypto.DeriveContentTopic("myapp", "https://example.org") + "\n" +
		"key=" + hex.EncodeToString(crypto.DeriveSymmetricKey("s3cret", "https://example.org")) + "\n"
	if out.String() != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", out.String(), want)
	}
}

func TestDeriveRequiresChannel(t *testing.T) {
	isolate(t)
	var out, errb bytes.Buffer
	if code := run([]string{"derive"}, &out, &errb); code != 1 {
		t.Fatalf("expected failure, got %d", code)
	}
}

func TestWhoisRejectsBadAddress(t *testing.T) {
	isolate(t)
	var out, errb bytes.Buffer
	if code := run([]string{"whois", "--addr", "not-an-address"}, &out, &errb); code != 1 {
		t.Fatalf("expected failure, got %d", code)
	}
	if !strings.Contains(errb.String(), "invalid --addr") {
		t.Fatalf("unexpected stderr: %s", errb.String())
	}
}

func TestSendValidation(t *testing.T) {
	isolate(t)
	var out, errb bytes.Buffer
	if code := run([]string{"send", "--user", "bob"}, &out, &errb); code != 1 {
		t.Fatalf("expected missing text failure")
	}
	errb.Reset()
	if code := run([]string{"send", "hello"}, &out, &errb); code != 1 || !strings.Contains(errb.String(), "missing --user") {
		t.Fatalf("expected missing user failure, got %q", errb.String())
	}
	errb.Reset()
	t.Setenv("TROLLBOX_APP_ID", "x")
	if code := run([]string{"send", "--user", "bob", "hello"}, &out, &errb); code != 1 || !strings.Contains(errb.String(), "no bootstrap peers") {
		t.Fatalf("expected bootstrap failure, got %q", errb.String())
	}
}

func TestSendThenListenThroughServiceNode(t *testing.T) {
	isolate(t)
	r, err := daemon.NewRunner(t.TempDir(), daemon.Options{Node: config.Node{}})
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
	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("service node not ready")
	}

	t.Setenv("TROLLBOX_BOOTSTRAP_PEERS", addr)
	t.Setenv("TROLLBOX_DEVTLS", "1")
	t.Setenv("TROLLBOX_APP_ID", "cli-test")
	t.Setenv("TROLLBOX_PEER_WAIT_TIMEOUT", "5s")

	var out, errb bytes.Buffer
	if code := run([]string{"send", "--user", "alice", "--timeout", "10s", "hello", "there"}, &out, &errb); code != 0 {
		t.Fatalf("send failed: %s", errb.String())
	}
	if !strings.HasPrefix(out.String(), "SENT id=") || !strings.Contains(out.String(), "author=alice") {
		t.Fatalf("unexpected send output: %q", out.String())
	}

	out.Reset()
	errb.Reset()
	if code := run([]string{"listen", "--n", "1", "--for", "10s"}, &out, &errb); code != 0 {
		t.Fatalf("listen failed: %s", errb.String())
	}
	if !strings.Contains(out.String(), "alice: hello there") {
		t.Fatalf("listen did not print history: %q", out.String())
	}
}

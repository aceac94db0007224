// Package pprofutil exposes runtime profiles for the trollbox binaries.
package pprofutil

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trollbox/internal/debuglog"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startAddr string
	startErr  error
)

// StartFromEnv serves /debug/pprof when TROLLBOX_PPROF=1 and returns the
// bound address. TROLLBOX_PPROF_ADDR picks the bind; non-loopback binds
// need TROLLBOX_PPROF_ALLOW_PUBLIC=1.
func StartFromEnv() (string, error) {
	if strings.TrimSpace(os.Getenv("TROLLBOX_PPROF")) != "1" {
		return "", nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("TROLLBOX_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		allowPublic := strings.TrimSpace(os.Getenv("TROLLBOX_PPROF_ALLOW_PUBLIC")) == "1"
		if !allowPublic && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("TROLLBOX_PPROF_ADDR must be loopback unless TROLLBOX_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		startAddr = ln.Addr().String()
		debuglog.Logf("pprof enabled: http://%s/debug/pprof/", startAddr)
		srv := &http.Server{
			Handler:           Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				debuglog.Warnf("pprof server: %v", err)
			}
		}()
	})
	return startAddr, startErr
}

// Router mounts the profiler under /debug.
func Router() http.Handler {
	r := chi.NewRouter()
	r.Mount("/debug", middleware.Profiler())
	return r
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

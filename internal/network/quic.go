package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"trollbox/internal/debuglog"
	"trollbox/internal/proto"
)

const (
	ALPN = "trollbox-quic"

	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second

	defaultMaxConnsPerIP   = 16
	defaultMaxStreamsPerIP = 64
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a deterministic self-signed certificate for local clusters.
// Every dev node presents the same certificate, so clients can pin it.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("trollbox-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

// WriteDevTLSCA writes the dev certificate as PEM so clients on other hosts
// can pin it.
func WriteDevTLSCA(path string) error {
	_, der, err := devTLSCert()
	if err != nil {
		return err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return os.WriteFile(path, pemBytes, 0600)
}

func serverTLSConfig(devTLS bool, certFile, keyFile string) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if devTLS {
		cert, _, err = devTLSCert()
	} else {
		if certFile == "" || keyFile == "" {
			return nil, errors.New("tls cert and key required without dev tls")
		}
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
	}
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}, nil
}

// clientTLSConfig pins the dev certificate when devTLS is set. The CA path
// may be overridden with TROLLBOX_DEVTLS_CA_PATH; when no file exists the
// built-in dev certificate is used.
func clientTLSConfig(insecure bool, devTLS bool, devTLSCAPath string) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPN},
		}, nil
	}
	if !devTLS {
		return &tls.Config{NextProtos: []string{ALPN}}, nil
	}
	if v := strings.TrimSpace(os.Getenv("TROLLBOX_DEVTLS_CA_PATH")); v != "" {
		devTLSCAPath = v
	}
	pool := x509.NewCertPool()
	if devTLSCAPath != "" {
		if data, err := os.ReadFile(devTLSCAPath); err == nil {
			if !pool.AppendCertsFromPEM(data) {
				return nil, fmt.Errorf("no certificates in %s", devTLSCAPath)
			}
			return &tls.Config{RootCAs: pool, NextProtos: []string{ALPN}}, nil
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, NextProtos: []string{ALPN}}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// FrameWriter sends response frames on the stream a request arrived on.
type FrameWriter interface {
	WriteFrame(payload []byte) error
}

// HandlerFunc serves one request. ctx ends when the peer abandons the
// stream or the server shuts down; streaming handlers return then.
type HandlerFunc func(ctx context.Context, remote string, req []byte, w FrameWriter) error

type ServerOptions struct {
	Addr            string
	DevTLS          bool
	CertFile        string
	KeyFile         string
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	// OnConns, if set, observes the open connection and stream counts.
	OnConns func(conns, streams int64)
}

type Server struct {
	opts      ServerOptions
	listener  *quic.Listener
	connCap   *hostCap
	streamCap *hostCap

	mu      sync.Mutex
	conns   int64
	streams int64
}

func Listen(opts ServerOptions) (*Server, error) {
	tlsConf, err := serverTLSConfig(opts.DevTLS, opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
	listener, err := quic.ListenAddr(opts.Addr, tlsConf, quicConfig())
	if err != nil {
		debuglog.Warnf("quic listen error: %v", err)
		return nil, err
	}
	debuglog.Logf("quic listen ready: %s", listener.Addr())
	return &Server{
		opts:      opts,
		listener:  listener,
		connCap:   newHostCap(opts.MaxConnsPerIP),
		streamCap: newHostCap(opts.MaxStreamsPerIP),
	}, nil
}

func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) track(dConns, dStreams int64) {
	s.mu.Lock()
	s.conns += dConns
	s.streams += dStreams
	conns, streams := s.conns, s.streams
	s.mu.Unlock()
	if s.opts.OnConns != nil {
		s.opts.OnConns(conns, streams)
	}
}

// Serve accepts connections until ctx ends or the listener is closed.
func (s *Server) Serve(ctx context.Context, h HandlerFunc) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			debuglog.Warnf("quic accept error: %v", err)
			return err
		}
		ip := hostOf(conn.RemoteAddr())
		if !s.connCap.acquire(ip) {
			debuglog.RateLimitedf("conn-cap-"+ip, 10*time.Second, "quic conn cap reached for %s", ip)
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}
		go s.serveConn(ctx, conn, ip, h)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, ip string, h HandlerFunc) {
	s.track(1, 0)
	defer func() {
		s.connCap.release(ip)
		s.track(-1, 0)
	}()
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("quic accept stream from %s ended: %v", remote, err)
			return
		}
		if !s.streamCap.acquire(ip) {
			debuglog.RateLimitedf("stream-cap-"+ip, 10*time.Second, "quic stream cap reached for %s", ip)
			stream.CancelRead(0)
			stream.CancelWrite(0)
			continue
		}
		go func(st *quic.Stream) {
			s.track(0, 1)
			defer func() {
				s.streamCap.release(ip)
				s.track(0, -1)
			}()
			s.serveStream(ctx, st, remote, h)
		}(stream)
	}
}

func (s *Server) serveStream(ctx context.Context, st *quic.Stream, remote string, h HandlerFunc) {
	defer st.Close()
	req, err := readFrameWithTimeout(st, streamRWTimeout)
	if err != nil {
		debuglog.Debugf("quic read from %s failed: %v", remote, err)
		st.CancelRead(0)
		return
	}
	_ = st.SetReadDeadline(time.Time{})
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-st.Context().Done():
			cancel()
		case <-sctx.Done():
		}
	}()
	if err := h(sctx, remote, req, &streamWriter{st: st}); err != nil {
		debuglog.Debugf("quic handler for %s: %v", remote, err)
	}
}

type streamWriter struct {
	mu sync.Mutex
	st *quic.Stream
}

func (w *streamWriter) WriteFrame(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return writeFrameWithTimeout(w.st, streamRWTimeout, payload)
}

func writeFrameWithTimeout(st *quic.Stream, d time.Duration, payload []byte) error {
	if d > 0 {
		_ = st.SetWriteDeadline(time.Now().Add(d))
		defer st.SetWriteDeadline(time.Time{})
	}
	return proto.WriteFrame(st, payload)
}

func readFrameWithTimeout(st *quic.Stream, d time.Duration) ([]byte, error) {
	if d > 0 {
		_ = st.SetReadDeadline(time.Now().Add(d))
	}
	return proto.ReadFrameWithTypeCap(st, proto.SoftMaxFrameSize, proto.MaxSizeForType)
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

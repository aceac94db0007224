package node

import (
	"context"
	"time"

	"trollbox/internal/network"
)

// Transport carries framed requests to service nodes.
type Transport interface {
	Exchange(ctx context.Context, addr string, req []byte) ([]byte, error)
	OpenStream(ctx context.Context, addr string, req []byte) (FrameStream, error)
	Close()
}

// FrameStream yields response frames of a long-lived request.
type FrameStream interface {
	Next(timeout time.Duration) ([]byte, error)
	Close()
}

type quicTransport struct {
	c *network.Client
}

// NewQUICTransport dials service nodes over QUIC.
func NewQUICTransport(opts network.ClientOptions) (Transport, error) {
	c, err := network.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &quicTransport{c: c}, nil
}

func (t *quicTransport) Exchange(ctx context.Context, addr string, req []byte) ([]byte, error) {
	return t.c.Exchange(ctx, addr, req)
}

func (t *quicTransport) OpenStream(ctx context.Context, addr string, req []byte) (FrameStream, error) {
	st, err := t.c.OpenStream(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (t *quicTransport) Close() { t.c.Close() }

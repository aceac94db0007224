package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"trollbox/internal/debuglog"
)

type Info struct {
	Address string
	Signer  Signer
}

// Session tracks the connected wallet, if any. Disconnect only forgets the
// local handle.
type Session struct {
	mu   sync.RWMutex
	info *Info
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) Connect(ctx context.Context, p Provider) (Info, error) {
	if p == nil {
		return Info{}, ErrNoWallet
	}
	accts, err := p.RequestAccounts(ctx)
	if err != nil {
		debuglog.Warnf("wallet: request accounts failed: %v", err)
		return Info{}, fmt.Errorf("request accounts: %w", err)
	}
	if len(accts) == 0 {
		return Info{}, errors.New("wallet returned no accounts")
	}
	signer, err := p.Signer(ctx)
	if err != nil {
		debuglog.Warnf("wallet: signer unavailable: %v", err)
		return Info{}, fmt.Errorf("get signer: %w", err)
	}
	info := Info{Address: signer.Address(), Signer: signer}
	s.mu.Lock()
	s.info = &info
	s.mu.Unlock()
	return info, nil
}

func (s *Session) Disconnect() {
	s.mu.Lock()
	s.info = nil
	s.mu.Unlock()
}

func (s *Session) Info() (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.info == nil {
		return Info{}, false
	}
	return *s.info, true
}

func (s *Session) IsConnected() bool {
	_, ok := s.Info()
	return ok
}

func (s *Session) SignMessage(ctx context.Context, msg string) (string, error) {
	info, ok := s.Info()
	if !ok {
		return "", ErrNotConnected
	}
	sig, err := info.Signer.SignMessage(ctx, []byte(msg))
	if err != nil {
		debuglog.Warnf("wallet: sign failed: %v", err)
		return "", err
	}
	return sig, nil
}

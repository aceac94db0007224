package wallet

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSigningPayload(t *testing.T) {
	if got := SigningPayload("hi there", 1700000000000, "1700000000000-abc123xyz"); got != "hi there|1700000000000|1700000000000-abc123xyz" {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestKeyProviderSignVerify(t *testing.T) {
	p, err := NewKeyProvider("0x" + testKeyHex)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	s := NewSession()
	info, err := s.Connect(context.Background(), p)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !strings.HasPrefix(info.Address, "0x") || len(info.Address) != 42 {
		t.Fatalf("unexpected address: %s", info.Address)
	}
	payload := SigningPayload("hello", 42, "42-abc")
	sig, err := s.SignMessage(context.Background(), payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, _ := hexutil.Decode(sig)
	if len(raw) != 65 || (raw[64] != 27 && raw[64] != 28) {
		t.Fatalf("unexpected signature encoding: %s", sig)
	}
	if !Verify(info.Address, payload, sig) {
		t.Fatalf("signature did not verify")
	}
	if Verify(info.Address, payload+"x", sig) {
		t.Fatalf("tampered payload verified")
	}
	raw[64] -= 27
	if !Verify(info.Address, payload, hexutil.Encode(raw)) {
		t.Fatalf("0/1 recovery id rejected")
	}
	if Verify("0x0000000000000000000000000000000000000001", payload, sig) {
		t.Fatalf("wrong address verified")
	}
	if Verify(info.Address, payload, "0xzz") {
		t.Fatalf("garbage signature verified")
	}
}

func TestSessionErrors(t *testing.T) {
	s := NewSession()
	if _, err := s.Connect(context.Background(), nil); !errors.Is(err, ErrNoWallet) {
		t.Fatalf("expected ErrNoWallet, got %v", err)
	}
	if _, err := s.SignMessage(context.Background(), "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	p, _ := NewKeyProvider(testKeyHex)
	if _, err := s.Connect(context.Background(), p); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.Disconnect()
	if s.IsConnected() {
		t.Fatalf("still connected after disconnect")
	}
}

func TestKeystoreProvider(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	ks := keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP)
	acct, err := ks.ImportECDSA(key, "pw")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	p, err := NewKeystoreProvider(dir, acct.Address.Hex(), "pw")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	sig, err := p.SignMessage(context.Background(), []byte("m"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(acct.Address.Hex(), "m", sig) {
		t.Fatalf("keystore signature did not verify")
	}
	bad, _ := NewKeystoreProvider(dir, "", "wrong")
	if _, err := bad.SignMessage(context.Background(), []byte("m")); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
	if _, err := NewKeystoreProvider(t.TempDir(), "", ""); !errors.Is(err, ErrNoWallet) {
		t.Fatalf("expected ErrNoWallet for empty keystore, got %v", err)
	}
}

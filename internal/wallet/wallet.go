// Package wallet holds the optional wallet identity used to sign chat
// messages with Ethereum personal-message signatures.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoWallet     = errors.New("no wallet found: configure a private key or keystore")
	ErrNotConnected = errors.New("wallet not connected")
)

type Signer interface {
	Address() string
	SignMessage(ctx context.Context, msg []byte) (string, error)
}

// Provider is a wallet that can hand out accounts and a signer for them.
type Provider interface {
	RequestAccounts(ctx context.Context) ([]string, error)
	Signer(ctx context.Context) (Signer, error)
}

// SigningPayload is the exact string signed for a chat message.
func SigningPayload(text string, timestampMs int64, id string) string {
	return fmt.Sprintf("%s|%d|%s", text, timestampMs, id)
}

// Verify checks a personal_sign signature over payload against address.
// Both 27/28 and 0/1 recovery ids are accepted.
func Verify(address, payload, sigHex string) bool {
	if !common.IsHexAddress(address) {
		return false
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(payload)), sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == common.HexToAddress(address)
}

func encodeSig(sig []byte) string {
	out := append([]byte(nil), sig...)
	out[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(out)
}

// KeyProvider signs with a raw secp256k1 key.
type KeyProvider struct {
	signer *keySigner
}

func NewKeyProvider(hexKey string) (*KeyProvider, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewKeyProviderFromKey(key), nil
}

func NewKeyProviderFromKey(key *ecdsa.PrivateKey) *KeyProvider {
	return &KeyProvider{signer: &keySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}}
}

func (p *KeyProvider) RequestAccounts(context.Context) ([]string, error) {
	return []string{p.signer.Address()}, nil
}

func (p *KeyProvider) Signer(context.Context) (Signer, error) {
	return p.signer, nil
}

type keySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func (s *keySigner) Address() string { return s.addr.Hex() }

func (s *keySigner) SignMessage(_ context.Context, msg []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return "", err
	}
	return encodeSig(sig), nil
}

// KeystoreProvider signs with an encrypted keystore account.
type KeystoreProvider struct {
	ks         *keystore.KeyStore
	account    accounts.Account
	passphrase string
}

// NewKeystoreProvider opens dir and selects address, or the first account
// when address is empty.
func NewKeystoreProvider(dir, address, passphrase string) (*KeystoreProvider, error) {
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	accts := ks.Accounts()
	if len(accts) == 0 {
		return nil, ErrNoWallet
	}
	acct := accts[0]
	if address != "" {
		found := false
		want := common.HexToAddress(address)
		for _, a := range accts {
			if a.Address == want {
				acct = a
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("account %s not in keystore", address)
		}
	}
	return &KeystoreProvider{ks: ks, account: acct, passphrase: passphrase}, nil
}

func (p *KeystoreProvider) RequestAccounts(context.Context) ([]string, error) {
	return []string{p.account.Address.Hex()}, nil
}

func (p *KeystoreProvider) Signer(context.Context) (Signer, error) {
	return p, nil
}

func (p *KeystoreProvider) Address() string { return p.account.Address.Hex() }

func (p *KeystoreProvider) SignMessage(_ context.Context, msg []byte) (string, error) {
	sig, err := p.ks.SignHashWithPassphrase(p.account, p.passphrase, accounts.TextHash(msg))
	if err != nil {
		return "", err
	}
	return encodeSig(sig), nil
}

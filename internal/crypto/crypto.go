// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Trollbox channel crypto
//
// - XChaCha20-Poly1305 for channel payloads (one shared 32-byte key per channel)
// - SHA3-256 for envelope hashes, node ids and labelled derivations
// - SHA-256 hex only where the channel naming must stay compatible (topic.go)
// -----------------------------------------------------------------------------

const (
	// XChaCha20-Poly1305 sizes
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
)

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// XSeal generates a random 24-byte nonce and seals plaintext under key32.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// SealPacked returns nonce||ciphertext.
func SealPacked(key32, plaintext, aad []byte) ([]byte, error) {
	nonce, ct, err := XSeal(key32, plaintext, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	return append(out, ct...), nil
}

func OpenPacked(key32, packed, aad []byte) ([]byte, error) {
	if len(packed) < XNonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("sealed payload too short")
	}
	return XOpen(key32, packed[:XNonceSize], packed[XNonceSize:], aad)
}

// NodeID derives a stable 32-byte id from seed material.
func NodeID(seed []byte) [32]byte {
	var id [32]byte
	copy(id[:], KDF("trollbox:node-id", seed))
	return id
}

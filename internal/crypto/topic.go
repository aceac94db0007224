package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	TopicPrefix    = "/trollbox/1/"
	TopicSuffix    = "/json"
	encryptionSalt = "trollbox-encryption-salt"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DeriveContentTopic names the channel: appID when set, otherwise the
// fallback origin, hashed into /trollbox/1/<hex>/json.
func DeriveContentTopic(appID, fallbackOrigin string) string {
	source := appID
	if source == "" {
		source = fallbackOrigin
	}
	return TopicPrefix + sha256Hex(source) + TopicSuffix
}

// DeriveSymmetricKey returns the 32-byte channel key. A secret is
// right-padded with '0' and truncated; without one the key is the first 32
// ASCII characters of the salted origin hash.
func DeriveSymmetricKey(secret, fallbackOrigin string) []byte {
	key := make([]byte, XKeySize)
	if secret != "" {
		raw := []byte(secret)
		for i := range key {
			if i < len(raw) {
				key[i] = raw[i]
			} else {
				key[i] = '0'
			}
		}
		return key
	}
	copy(key, sha256Hex(fallbackOrigin+encryptionSalt))
	return key
}

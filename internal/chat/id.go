package chat

import (
	"math/rand/v2"
	"strconv"
	"time"
)

const (
	idSuffixLen = 9
	base36      = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// NewMessageID returns "<unix ms>-<9 base36 chars>".
func NewMessageID(now time.Time) string {
	var suffix [idSuffixLen]byte
	for i := range suffix {
		suffix[i] = base36[rand.IntN(len(base36))]
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + string(suffix[:])
}

package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	MsgTypeEnvelope    = "envelope"
	MaxEnvelopeMsgSize = 256 << 10
)

// Envelope is the unit a service node stores and relays. Payload is the
// base64 of nonce||ciphertext; nodes never see plaintext.
type Envelope struct {
	Type         string `json:"type"`
	ContentTopic string `json:"content_topic"`
	Payload      string `json:"payload"`
	Timestamp    int64  `json:"timestamp"`
	Hops         int    `json:"hops,omitempty"`
}

func NewEnvelope(contentTopic string, sealed []byte, ts time.Time) Envelope {
	return Envelope{
		Type:         MsgTypeEnvelope,
		ContentTopic: contentTopic,
		Payload:      EncodeSealedPayload(sealed),
		Timestamp:    ts.UnixMilli(),
	}
}

func (e Envelope) Sealed() ([]byte, error) {
	return DecodeSealedPayload(e.Payload)
}

func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Hash identifies an envelope independent of relay hops.
func (e Envelope) Hash() [32]byte {
	topic := []byte(e.ContentTopic)
	payload := []byte(e.Payload)
	buf := make([]byte, 0, 2+len(topic)+len(payload)+8)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(topic)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, topic...)
	buf = append(buf, payload...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	buf = append(buf, ts[:]...)
	return sha3.Sum256(buf)
}

func (e Envelope) Validate() error {
	if e.ContentTopic == "" {
		return fmt.Errorf("missing content topic")
	}
	if e.Payload == "" {
		return fmt.Errorf("missing payload")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("missing timestamp")
	}
	return nil
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	if e.Type == "" {
		e.Type = MsgTypeEnvelope
	}
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.Type != "" && e.Type != MsgTypeEnvelope {
		return Envelope{}, fmt.Errorf("unexpected msg type: %s", e.Type)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

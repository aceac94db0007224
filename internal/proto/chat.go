package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageTypeTrollbox is the dispatcher message-type name carried inside
// sealed payloads.
const MessageTypeTrollbox = "trollbox-message"

// ChatMessage is the JSON body exchanged between participants. Field names
// are fixed for interop with other clients on the channel.
type ChatMessage struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	Timestamp     int64  `json:"timestamp"`
	Author        string `json:"author"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Signature     string `json:"signature,omitempty"`
}

func (m ChatMessage) Validate() error {
	if m.ID == "" {
		return errors.New("missing message id")
	}
	if m.Timestamp <= 0 {
		return errors.New("missing message timestamp")
	}
	return nil
}

// DispatchPayload is the sealed plaintext: a typed wrapper so several
// message types can share one channel key.
type DispatchPayload struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func EncodeDispatchPayload(msgType string, body any, ts int64) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(DispatchPayload{Type: msgType, Payload: raw, Timestamp: ts})
}

func DecodeDispatchPayload(data []byte) (DispatchPayload, error) {
	var p DispatchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return DispatchPayload{}, err
	}
	if p.Type == "" {
		return DispatchPayload{}, errors.New("missing dispatch type")
	}
	if len(p.Payload) == 0 {
		return DispatchPayload{}, errors.New("missing dispatch payload")
	}
	return p, nil
}

func DecodeChatMessage(data []byte) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ChatMessage{}, err
	}
	if err := m.Validate(); err != nil {
		return ChatMessage{}, fmt.Errorf("invalid chat message: %w", err)
	}
	return m, nil
}

package proto

import (
	"encoding/json"
	"fmt"
)

const (
	MsgTypeSubscribe     = "subscribe"
	MsgTypeSubscribeResp = "subscribe_resp"
	MaxContentTopics     = 16
)

// SubscribeMsg opens a filter stream; the responder answers with a
// SubscribeResp frame and then streams Envelope frames until either side
// closes.
type SubscribeMsg struct {
	Type          string   `json:"type"`
	ProtoVersion  string   `json:"proto_version"`
	Suite         string   `json:"suite"`
	ContentTopics []string `json:"content_topics"`
}

type SubscribeResp struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func EncodeSubscribeMsg(m SubscribeMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeSubscribe
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeSubscribeMsg(data []byte) (SubscribeMsg, error) {
	var m SubscribeMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return SubscribeMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeSubscribe {
		return SubscribeMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return SubscribeMsg{}, err
	}
	if len(m.ContentTopics) == 0 {
		return SubscribeMsg{}, fmt.Errorf("missing content topics")
	}
	if len(m.ContentTopics) > MaxContentTopics {
		return SubscribeMsg{}, fmt.Errorf("too many content topics")
	}
	return m, nil
}

func EncodeSubscribeResp(m SubscribeResp) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeSubscribeResp
	}
	return json.Marshal(m)
}

func DecodeSubscribeResp(data []byte) (SubscribeResp, error) {
	var m SubscribeResp
	if err := json.Unmarshal(data, &m); err != nil {
		return SubscribeResp{}, err
	}
	if m.Type != "" && m.Type != MsgTypeSubscribeResp {
		return SubscribeResp{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

package proto

import (
	"encoding/json"
	"fmt"
)

const (
	MsgTypePush     = "push"
	MsgTypePushResp = "push_resp"
	MaxControlSize  = 8 << 10
)

type PushMsg struct {
	Type         string   `json:"type"`
	ProtoVersion string   `json:"proto_version"`
	Suite        string   `json:"suite"`
	Envelope     Envelope `json:"envelope"`
	FromNodeID   string   `json:"from_node_id,omitempty"`
}

type PushResp struct {
	Type      string `json:"type"`
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

func EncodePushMsg(m PushMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypePush
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	if m.Envelope.Type == "" {
		m.Envelope.Type = MsgTypeEnvelope
	}
	return json.Marshal(m)
}

func DecodePushMsg(data []byte) (PushMsg, error) {
	var m PushMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return PushMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypePush {
		return PushMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return PushMsg{}, err
	}
	if err := m.Envelope.Validate(); err != nil {
		return PushMsg{}, err
	}
	return m, nil
}

func EncodePushResp(m PushResp) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypePushResp
	}
	return json.Marshal(m)
}

func DecodePushResp(data []byte) (PushResp, error) {
	var m PushResp
	if err := json.Unmarshal(data, &m); err != nil {
		return PushResp{}, err
	}
	if m.Type != "" && m.Type != MsgTypePushResp {
		return PushResp{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

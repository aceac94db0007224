package proto

import (
	"encoding/json"
	"fmt"
)

const (
	MsgTypeHello     = "hello"
	MsgTypeHelloResp = "hello_resp"
	MaxHelloSize     = 4 << 10
)

type HelloMsg struct {
	Type         string   `json:"type"`
	ProtoVersion string   `json:"proto_version"`
	Suite        string   `json:"suite"`
	ClusterID    uint32   `json:"cluster_id"`
	Shards       []uint32 `json:"shards,omitempty"`
}

type HelloResp struct {
	Type         string   `json:"type"`
	ProtoVersion string   `json:"proto_version"`
	Suite        string   `json:"suite"`
	NodeID       string   `json:"node_id"`
	ClusterID    uint32   `json:"cluster_id"`
	Shards       []uint32 `json:"shards,omitempty"`
	Capabilities []string `json:"capabilities"`
	// Peers lists other service nodes the responder knows.
	Peers []string `json:"peers,omitempty"`
	Error string   `json:"error,omitempty"`
}

func EncodeHelloMsg(m HelloMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHello
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeHelloMsg(data []byte) (HelloMsg, error) {
	var m HelloMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeHello {
		return HelloMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return HelloMsg{}, err
	}
	return m, nil
}

func EncodeHelloResp(m HelloResp) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHelloResp
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeHelloResp(data []byte) (HelloResp, error) {
	var m HelloResp
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloResp{}, err
	}
	if m.Type != "" && m.Type != MsgTypeHelloResp {
		return HelloResp{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return HelloResp{}, err
	}
	return m, nil
}

// HasCapability reports whether the responder offers protocol.
func (m HelloResp) HasCapability(protocol string) bool {
	for _, c := range m.Capabilities {
		if c == protocol {
			return true
		}
	}
	return false
}

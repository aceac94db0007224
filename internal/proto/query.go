package proto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	MsgTypeQuery     = "query"
	MsgTypeQueryResp = "query_resp"

	DefaultPageSize = 50
	MaxPageSize     = 200
)

type QueryMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	RequestID    string `json:"request_id"`
	ContentTopic string `json:"content_topic"`
	StartTime    int64  `json:"start_time,omitempty"`
	EndTime      int64  `json:"end_time,omitempty"`
	PageSize     int    `json:"page_size,omitempty"`
	Cursor       string `json:"cursor,omitempty"`
}

type QueryResp struct {
	Type      string     `json:"type"`
	RequestID string     `json:"request_id"`
	Envelopes []Envelope `json:"envelopes"`
	Cursor    string     `json:"cursor,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func NewRequestID() string {
	return uuid.NewString()
}

// EffectivePageSize clamps the requested page size.
func (m QueryMsg) EffectivePageSize() int {
	if m.PageSize <= 0 {
		return DefaultPageSize
	}
	if m.PageSize > MaxPageSize {
		return MaxPageSize
	}
	return m.PageSize
}

func EncodeQueryMsg(m QueryMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeQuery
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	if m.RequestID == "" {
		m.RequestID = NewRequestID()
	}
	return json.Marshal(m)
}

func DecodeQueryMsg(data []byte) (QueryMsg, error) {
	var m QueryMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return QueryMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeQuery {
		return QueryMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return QueryMsg{}, err
	}
	if m.ContentTopic == "" {
		return QueryMsg{}, fmt.Errorf("missing content topic")
	}
	if _, err := uuid.Parse(m.RequestID); err != nil {
		return QueryMsg{}, fmt.Errorf("bad request id: %w", err)
	}
	return m, nil
}

func EncodeQueryResp(m QueryResp) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeQueryResp
	}
	if m.Envelopes == nil {
		m.Envelopes = []Envelope{}
	}
	return json.Marshal(m)
}

func DecodeQueryResp(data []byte) (QueryResp, error) {
	var m QueryResp
	if err := json.Unmarshal(data, &m); err != nil {
		return QueryResp{}, err
	}
	if m.Type != "" && m.Type != MsgTypeQueryResp {
		return QueryResp{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

// internal/proto/proto.go
package proto

import "fmt"

const (
	ProtoVersion = "1"
	Suite        = "trollbox-wire-v1"

	// Light-client capabilities a service node can offer.
	ProtocolStore     = "store"
	ProtocolFilter    = "filter"
	ProtocolLightPush = "lightpush"
)

// AllProtocols lists the capabilities a light client waits for before use.
var AllProtocols = []string{ProtocolStore, ProtocolFilter, ProtocolLightPush}

func ValidateWireMeta(version, suite string) error {
	if version != "" && version != ProtoVersion {
		return fmt.Errorf("unsupported proto version: %s", version)
	}
	if suite != "" && suite != Suite {
		return fmt.Errorf("unsupported suite: %s", suite)
	}
	return nil
}

// MaxSizeForType caps frames above SoftMaxFrameSize per message type.
func MaxSizeForType(msgType string) int {
	switch msgType {
	case MsgTypeHello, MsgTypeHelloResp:
		return MaxHelloSize
	case MsgTypePush, MsgTypeEnvelope:
		return MaxEnvelopeMsgSize
	case MsgTypePushResp, MsgTypeSubscribe, MsgTypeSubscribeResp, MsgTypeQuery:
		return MaxControlSize
	case MsgTypeQueryResp:
		return MaxFrameSize
	default:
		return SoftMaxFrameSize
	}
}

// TypeOf sniffs the "type" field of a JSON message.
func TypeOf(data []byte) (string, bool) {
	n := len(data)
	if n > TypeSniffBytes {
		n = TypeSniffBytes
	}
	return extractType(data[:n])
}

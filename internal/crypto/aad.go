package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a sealed payload to its message-type name and content topic.
func BuildAAD(msgType string, contentTopic string) []byte {
	msgBytes := []byte(msgType)
	topicBytes := []byte(contentTopic)
	buf := make([]byte, 0, 2+len(msgBytes)+2+len(topicBytes))
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(msgBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, msgBytes...)
	binary.BigEndian.PutUint16(tmp[:], uint16(len(topicBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, topicBytes...)
	return buf
}

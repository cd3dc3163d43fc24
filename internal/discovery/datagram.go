package discovery

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"chatrelay/internal/protocol"
)

// encodeDatagram and decodeDatagram serialize a Message for a single UDP
// datagram. Unlike the TCP codec in internal/protocol, no length prefix is
// needed: UDP preserves datagram boundaries, so the payload itself is the
// frame.
func encodeDatagram(m *protocol.Message) ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("discovery: encode datagram: %w", err)
	}
	return data, nil
}

func decodeDatagram(data []byte) (*protocol.Message, error) {
	var m protocol.Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("discovery: decode datagram: %w", err)
	}
	return &m, nil
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// defaultChunkSize documents the buffer size an implicit "short read means
// end of record" framing scheme would use. That framing is unsafe (a
// message landing exactly on a chunk boundary is indistinguishable from a
// truncated one) and is not used here; nothing in this package reads this
// constant.
const defaultChunkSize = 16384

// maxFrameSize bounds the length prefix so a corrupt or hostile peer cannot
// make ReadMessage allocate an unbounded buffer. Framed payloads in this
// system (chat text, directory listings, small files) comfortably fit well
// under this ceiling.
const maxFrameSize = 64 * 1024 * 1024

// ErrMalformedFrame is returned when a length prefix or CBOR payload cannot
// be decoded into a valid Message. Callers must close the connection on this
// error; the framing is corrupt and there is no way to resynchronize.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// WriteMessage CBOR-encodes m and writes it to w behind an explicit 4-byte
// big-endian length prefix, avoiding any boundary-ambiguous "short read"
// framing.
func WriteMessage(w io.Writer, m *Message) error {
	payload, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("protocol: marshal message: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("protocol: message too large (%d bytes)", len(payload))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("protocol: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ReadMessage blocks until a complete framed Message has arrived on r, or an
// error occurs.
//
// Failure modes:
//   - the stream ends cleanly before any bytes of a new frame arrive: returns
//     io.EOF, the end-of-stream condition callers should treat as a normal
//     disconnect.
//   - the stream ends mid-frame, or the length prefix is followed by fewer
//     bytes than promised, or the payload fails to decode: returns
//     ErrMalformedFrame wrapping the underlying cause. Callers must close the
//     connection.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: length prefix: %v", ErrMalformedFrame, err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds maximum", ErrMalformedFrame, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}

	var m Message
	if err := cbor.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &m, nil
}

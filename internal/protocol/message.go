package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// User is the wire-level identity record attached to a Message's Src/Dst
// fields. The server-only socket handles (master and slave connections)
// never travel over the wire; they live in internal/registry instead.
type User struct {
	Username string `cbor:"username,omitempty"`
	Group    string `cbor:"group,omitempty"`
	Host     string `cbor:"host,omitempty"`
	Port     int    `cbor:"port,omitempty"`
}

// FileProtocol is the payload carried by a FILE data message.
type FileProtocol struct {
	Filename string `cbor:"filename"`
	Content  []byte `cbor:"content"`
}

// Size returns the content length, derived rather than stored so it can
// never disagree with Content.
func (f FileProtocol) Size() int { return len(f.Content) }

// Message is the single record exchanged over every TCP connection and UDP
// datagram in the system.
type Message struct {
	Src      *User         `cbor:"src,omitempty"`
	Dst      *User         `cbor:"dst,omitempty"`
	Type     Code          `cbor:"type"`
	Response *ResponseCode `cbor:"response,omitempty"`
	Flag     *Flag         `cbor:"flag,omitempty"`
	Body     []byte        `cbor:"body,omitempty"`
}

// SetBody CBOR-encodes v as the Message body. Any Go value that the CBOR
// codec can encode is valid: a string, a []string directory listing, a
// FileProtocol, or nothing at all.
func (m *Message) SetBody(v any) error {
	if v == nil {
		m.Body = nil
		return nil
	}
	raw, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode body: %w", err)
	}
	m.Body = raw
	return nil
}

// DecodeBody decodes the Message body into v. Calling this on a Message
// whose body was never set yields an error wrapping cbor's io.EOF.
func (m *Message) DecodeBody(v any) error {
	if err := cbor.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("protocol: decode body: %w", err)
	}
	return nil
}

// BodyString is a convenience accessor for the common case of a plain string
// body (PLAIN_TEXT data messages, GROUP.CREATE/JOIN/LEAVE group-name bodies).
func (m *Message) BodyString() (string, error) {
	var s string
	if err := m.DecodeBody(&s); err != nil {
		return "", err
	}
	return s, nil
}

// NewResponse builds a RESPONSE instruction Message carrying code, optionally
// with a body (e.g. a directory listing).
func NewResponse(code ResponseCode, body any) (*Message, error) {
	m := &Message{Type: RESPONSE, Response: &code}
	if body != nil {
		if err := m.SetBody(body); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// IsAnnounce reports whether m carries the ANNOUNCE flag.
func (m *Message) IsAnnounce() bool {
	return m.Flag != nil && *m.Flag == FlagAnnounce
}

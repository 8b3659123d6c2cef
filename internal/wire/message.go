package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidMessage is returned when a frame is malformed.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrMessageTooLarge is returned when a section exceeds its bound.
	ErrMessageTooLarge = errors.New("message section exceeds maximum size")
)

// Header is a single typed header entry.
type Header struct {
	ID    uint32
	Value []byte
}

// Message is one frame on an edge-router channel.
// Sequence is the channel-level sequence assigned at send time; replies
// reference it through the ReplyFor header.
type Message struct {
	ContentType uint32
	Sequence    int32
	Headers     []Header
	Body        []byte
}

// NewMessage creates a message with the given content type and body.
func NewMessage(contentType uint32, body []byte) *Message {
	return &Message{ContentType: contentType, Body: body}
}

// PutUint32Header sets a little-endian 32-bit header, replacing any
// existing header with the same id.
func (m *Message) PutUint32Header(id, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.PutBytesHeader(id, buf[:])
}

// PutBytesHeader sets a raw header value, replacing any existing header
// with the same id. The value is not copied.
func (m *Message) PutBytesHeader(id uint32, v []byte) {
	for i := range m.Headers {
		if m.Headers[i].ID == id {
			m.Headers[i].Value = v
			return
		}
	}
	m.Headers = append(m.Headers, Header{ID: id, Value: v})
}

// Uint32Header reads a little-endian 32-bit header.
func (m *Message) Uint32Header(id uint32) (uint32, bool) {
	v, ok := m.BytesHeader(id)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}

// BytesHeader reads a raw header value.
func (m *Message) BytesHeader(id uint32) ([]byte, bool) {
	for i := range m.Headers {
		if m.Headers[i].ID == id {
			return m.Headers[i].Value, true
		}
	}
	return nil, false
}

// headersLen returns the encoded size of the headers section.
func (m *Message) headersLen() int {
	n := 0
	for i := range m.Headers {
		n += 8 + len(m.Headers[i].Value)
	}
	return n
}

// Encode serializes the message to bytes.
func (m *Message) Encode() ([]byte, error) {
	hlen := m.headersLen()
	if hlen > MaxHeadersSize {
		return nil, fmt.Errorf("%w: headers %d bytes", ErrMessageTooLarge, hlen)
	}
	if len(m.Body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body %d bytes", ErrMessageTooLarge, len(m.Body))
	}

	buf := make([]byte, HeaderSize+hlen+len(m.Body))
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], m.ContentType)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.Sequence))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(hlen))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(m.Body)))

	offset := HeaderSize
	for i := range m.Headers {
		h := &m.Headers[i]
		binary.LittleEndian.PutUint32(buf[offset:], h.ID)
		binary.LittleEndian.PutUint32(buf[offset+4:], uint32(len(h.Value)))
		copy(buf[offset+8:], h.Value)
		offset += 8 + len(h.Value)
	}
	copy(buf[offset:], m.Body)

	return buf, nil
}

// decodeHeader decodes the fixed frame header.
func decodeHeader(buf []byte) (contentType uint32, seq int32, hlen, blen uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidMessage)
	}
	if !bytes.Equal(buf[0:4], magic[:]) {
		return 0, 0, 0, 0, fmt.Errorf("%w: bad magic", ErrInvalidMessage)
	}
	contentType = binary.LittleEndian.Uint32(buf[4:8])
	seq = int32(binary.LittleEndian.Uint32(buf[8:12]))
	hlen = binary.LittleEndian.Uint32(buf[12:16])
	blen = binary.LittleEndian.Uint32(buf[16:20])
	if hlen > MaxHeadersSize {
		return 0, 0, 0, 0, fmt.Errorf("%w: headers %d bytes", ErrMessageTooLarge, hlen)
	}
	if blen > MaxBodySize {
		return 0, 0, 0, 0, fmt.Errorf("%w: body %d bytes", ErrMessageTooLarge, blen)
	}
	return contentType, seq, hlen, blen, nil
}

// decodeHeaders parses the headers section.
func decodeHeaders(buf []byte) ([]Header, error) {
	var headers []Header
	offset := 0
	for offset < len(buf) {
		if offset+8 > len(buf) {
			return nil, fmt.Errorf("%w: truncated header entry", ErrInvalidMessage)
		}
		id := binary.LittleEndian.Uint32(buf[offset:])
		vlen := int(binary.LittleEndian.Uint32(buf[offset+4:]))
		offset += 8
		if offset+vlen > len(buf) {
			return nil, fmt.Errorf("%w: truncated header value", ErrInvalidMessage)
		}
		value := make([]byte, vlen)
		copy(value, buf[offset:offset+vlen])
		headers = append(headers, Header{ID: id, Value: value})
		offset += vlen
	}
	return headers, nil
}

// Decode deserializes a message from bytes.
func Decode(buf []byte) (*Message, error) {
	contentType, seq, hlen, blen, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < HeaderSize+int(hlen)+int(blen) {
		return nil, fmt.Errorf("%w: buffer too short for sections", ErrInvalidMessage)
	}

	headers, err := decodeHeaders(buf[HeaderSize : HeaderSize+hlen])
	if err != nil {
		return nil, err
	}

	body := make([]byte, blen)
	copy(body, buf[HeaderSize+hlen:HeaderSize+hlen+blen])

	return &Message{
		ContentType: contentType,
		Sequence:    seq,
		Headers:     headers,
		Body:        body,
	}, nil
}

// String returns a debug representation of the message.
func (m *Message) String() string {
	return fmt.Sprintf("Message{Content=%s, Seq=%d, Headers=%d, BodyLen=%d}",
		ContentTypeName(m.ContentType), m.Sequence, len(m.Headers), len(m.Body))
}

// ============================================================================
// Message Reader/Writer
// ============================================================================

// MessageReader reads messages from an io.Reader.
type MessageReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewMessageReader creates a new MessageReader.
func NewMessageReader(r io.Reader) *MessageReader {
	return &MessageReader{r: r}
}

// Read reads the next message.
func (mr *MessageReader) Read() (*Message, error) {
	if _, err := io.ReadFull(mr.r, mr.header[:]); err != nil {
		return nil, err
	}
	contentType, seq, hlen, blen, err := decodeHeader(mr.header[:])
	if err != nil {
		return nil, err
	}

	sections := make([]byte, hlen+blen)
	if len(sections) > 0 {
		if _, err := io.ReadFull(mr.r, sections); err != nil {
			return nil, err
		}
	}
	headers, err := decodeHeaders(sections[:hlen])
	if err != nil {
		return nil, err
	}

	return &Message{
		ContentType: contentType,
		Sequence:    seq,
		Headers:     headers,
		Body:        sections[hlen:],
	}, nil
}

// MessageWriter writes messages to an io.Writer.
type MessageWriter struct {
	w io.Writer
}

// NewMessageWriter creates a new MessageWriter.
func NewMessageWriter(w io.Writer) *MessageWriter {
	return &MessageWriter{w: w}
}

// Write writes a message.
func (mw *MessageWriter) Write(m *Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	_, err = mw.w.Write(data)
	return err
}

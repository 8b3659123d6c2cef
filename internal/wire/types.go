// Package wire defines the framed message codec spoken between the SDK
// and edge routers. A channel carries many logical connections; every
// message names its connection with a ConnID header.
package wire

// Content types carried in the message header.
const (
	ContentTypeConnect        uint32 = 60783 // Initiate a connection to a service
	ContentTypeStateConnected uint32 = 60784 // Connection established
	ContentTypeStateClosed    uint32 = 60785 // Connection closed
	ContentTypeData           uint32 = 60786 // Stream payload
	ContentTypeDial           uint32 = 60787 // Inbound dial offered to a hosting connection
	ContentTypeDialSuccess    uint32 = 60788 // Hosting side accepted a dial
	ContentTypeDialFailed     uint32 = 60789 // Hosting side rejected a dial
	ContentTypeBind           uint32 = 60790 // Advertise a hosted service
)

// Header ids. All fixed-width header payloads are little-endian.
const (
	HeaderConnID    uint32 = 1000 // little-endian 32-bit connection id
	HeaderSeq       uint32 = 1001 // little-endian 32-bit sequence
	HeaderPublicKey uint32 = 1002 // raw ephemeral public key bytes
	HeaderFlags     uint32 = 1003 // little-endian 32-bit bitfield
	HeaderReplyFor  uint32 = 1004 // little-endian 32-bit sequence being replied to
)

// Flags bitfield values.
const (
	// FlagFIN signals half-close: the sender will send no more data on
	// this connection.
	FlagFIN uint32 = 0x1
)

// Framing constants.
const (
	// HeaderSize is the fixed message header: magic + content type +
	// sequence + headers length + body length, four bytes each.
	HeaderSize = 20

	// MaxHeadersSize bounds the encoded headers section.
	MaxHeadersSize = 4 * 1024

	// MaxBodySize bounds the message body. Encode and the decoders reject
	// a larger body; payloads are not split to fit.
	MaxBodySize = 64 * 1024
)

// magic marks the start of every frame on the wire.
var magic = [4]byte{0x03, 0x06, 0x09, 0x0C}

// ContentTypeName returns a human-readable name for a content type.
func ContentTypeName(ct uint32) string {
	switch ct {
	case ContentTypeConnect:
		return "Connect"
	case ContentTypeStateConnected:
		return "StateConnected"
	case ContentTypeStateClosed:
		return "StateClosed"
	case ContentTypeData:
		return "Data"
	case ContentTypeDial:
		return "Dial"
	case ContentTypeDialSuccess:
		return "DialSuccess"
	case ContentTypeDialFailed:
		return "DialFailed"
	case ContentTypeBind:
		return "Bind"
	default:
		return "UNKNOWN"
	}
}

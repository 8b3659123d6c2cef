package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// StreamHeaderSize is the size of the stream header a sender emits
	// before its first sealed message.
	StreamHeaderSize = 24

	// StreamOverhead is the per-message expansion: a one-byte tag sealed
	// with the payload plus the Poly1305 authentication tag.
	StreamOverhead = 1 + 16

	// streamInfo is the context string for the per-stream derivation.
	streamInfo = "lattice-stream-v1"
)

// Message tags carried inside the sealed envelope.
const (
	// TagMessage marks an ordinary stream message.
	TagMessage byte = 0x00

	// TagFinal marks the last message of a stream.
	TagFinal byte = 0x03
)

// streamState holds the cipher and nonce counter shared by both
// directions' state types. The nonce is a 4-byte prefix derived from the
// key and the stream header followed by a 64-bit big-endian message counter, so a
// key reused across streams still never repeats a nonce.
type streamState struct {
	aead    cipher.AEAD
	prefix  [4]byte
	counter uint64
}

func newStreamState(key *[KeySize]byte, header []byte) (*streamState, error) {
	reader := hkdf.New(sha256.New, key[:], header, []byte(streamInfo))
	var subkey [KeySize]byte
	defer ZeroKey(&subkey)

	s := &streamState{}
	if _, err := io.ReadFull(reader, subkey[:]); err != nil {
		return nil, fmt.Errorf("derive stream key: %w", err)
	}
	if _, err := io.ReadFull(reader, s.prefix[:]); err != nil {
		return nil, fmt.Errorf("derive nonce prefix: %w", err)
	}

	aead, err := chacha20poly1305.New(subkey[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	s.aead = aead
	return s, nil
}

func (s *streamState) nonce() [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	copy(n[:4], s.prefix[:])
	binary.BigEndian.PutUint64(n[4:], s.counter)
	return n
}

// SendStream encrypts one direction of a connection.
type SendStream struct {
	streamState
}

// RecvStream decrypts one direction of a connection.
type RecvStream struct {
	streamState
}

// InitPush creates the sending stream state from the local transmit key
// and returns the header the peer needs to initialize its pull state.
// The caller should zero the transmit key afterwards.
func InitPush(tx *[KeySize]byte) (*SendStream, []byte, error) {
	header := make([]byte, StreamHeaderSize)
	if _, err := io.ReadFull(rand.Reader, header); err != nil {
		return nil, nil, fmt.Errorf("generate stream header: %w", err)
	}
	st, err := newStreamState(tx, header)
	if err != nil {
		return nil, nil, err
	}
	return &SendStream{streamState: *st}, header, nil
}

// Push seals one message. The returned ciphertext is
// len(plain)+StreamOverhead bytes.
func (s *SendStream) Push(plain []byte, tag byte) ([]byte, error) {
	envelope := make([]byte, 1+len(plain))
	envelope[0] = tag
	copy(envelope[1:], plain)

	nonce := s.nonce()
	s.counter++
	return s.aead.Seal(nil, nonce[:], envelope, nil), nil
}

// InitPull creates the receiving stream state from the local receive key
// and the header emitted by the peer's InitPush. The caller should zero
// the receive key afterwards.
func InitPull(rx *[KeySize]byte, header []byte) (*RecvStream, error) {
	if len(header) != StreamHeaderSize {
		return nil, fmt.Errorf("stream header is %d bytes, want %d", len(header), StreamHeaderSize)
	}
	st, err := newStreamState(rx, header)
	if err != nil {
		return nil, err
	}
	return &RecvStream{streamState: *st}, nil
}

// Pull opens one message, returning the plaintext and its tag. Fails on
// authentication mismatch, truncation, or reordering.
func (r *RecvStream) Pull(ciphertext []byte) ([]byte, byte, error) {
	if len(ciphertext) < StreamOverhead {
		return nil, 0, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}

	nonce := r.nonce()
	envelope, err := r.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("decrypt message %d: %w", r.counter, err)
	}
	r.counter++
	return envelope[1:], envelope[0], nil
}

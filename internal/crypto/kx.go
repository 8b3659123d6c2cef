// Package crypto provides the per-connection encryption primitives:
// ephemeral X25519 key pairs, an authenticated key exchange producing
// distinct send/receive keys for the two endpoints, and a header-seeded
// AEAD stream cipher built on ChaCha20-Poly1305.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// kxInfo is the context string for the key-exchange derivation.
	kxInfo = "lattice-kx-v1"
)

// Keypair generates a new ephemeral X25519 key pair for a single
// connection's key exchange. The private key should be zeroed once the
// session keys are derived.
func Keypair() (pk, sk [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, sk[:]); err != nil {
		return pk, sk, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per X25519 spec
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64

	curve25519.ScalarBaseMult(&pk, &sk)
	return pk, sk, nil
}

// ClientSessionKeys derives the dialing side's stream keys from its own
// ephemeral pair and the hosting side's public key. rx decrypts data from
// the host, tx encrypts data to it.
func ClientSessionKeys(clientPK, clientSK, serverPK [KeySize]byte) (rx, tx *[KeySize]byte, err error) {
	c2s, s2c, err := sessionKeys(clientSK, serverPK, clientPK, serverPK)
	if err != nil {
		return nil, nil, err
	}
	return s2c, c2s, nil
}

// ServerSessionKeys is the hosting side's mirror of ClientSessionKeys.
// rx decrypts data from the dialer, tx encrypts data to it.
func ServerSessionKeys(serverPK, serverSK, clientPK [KeySize]byte) (rx, tx *[KeySize]byte, err error) {
	c2s, s2c, err := sessionKeys(serverSK, clientPK, clientPK, serverPK)
	if err != nil {
		return nil, nil, err
	}
	return c2s, s2c, nil
}

// sessionKeys computes the shared secret and expands it into one key per
// direction. Both public keys are mixed into the salt so the derivation is
// bound to this exact pairing.
func sessionKeys(sk, peerPK, clientPK, serverPK [KeySize]byte) (c2s, s2c *[KeySize]byte, err error) {
	var zero [KeySize]byte
	if peerPK == zero {
		return nil, nil, fmt.Errorf("invalid peer public key: zero key")
	}

	var shared [KeySize]byte
	curve25519.ScalarMult(&shared, &sk, &peerPK)
	if shared == zero {
		return nil, nil, fmt.Errorf("invalid key exchange result: low-order point")
	}
	defer ZeroKey(&shared)

	salt := make([]byte, 2*KeySize)
	copy(salt[:KeySize], clientPK[:])
	copy(salt[KeySize:], serverPK[:])

	reader := hkdf.New(sha256.New, shared[:], salt, []byte(kxInfo))
	c2s, s2c = new([KeySize]byte), new([KeySize]byte)
	if _, err := io.ReadFull(reader, c2s[:]); err != nil {
		return nil, nil, fmt.Errorf("derive session keys: %w", err)
	}
	if _, err := io.ReadFull(reader, s2c[:]); err != nil {
		return nil, nil, fmt.Errorf("derive session keys: %w", err)
	}
	return c2s, s2c, nil
}

// ZeroKey zeroes out a key array to keep key material from lingering in
// memory after use.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// ZeroBytes zeroes out a byte slice.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

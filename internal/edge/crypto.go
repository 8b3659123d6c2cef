package edge

import (
	"github.com/postmesh/lattice/internal/crypto"
	"github.com/postmesh/lattice/internal/logging"
	"github.com/postmesh/lattice/internal/wire"
)

// generateKeys allocates the ephemeral key pair attached to the
// Edge-Connect exchange.
func (c *Conn) generateKeys() error {
	pk, sk, err := crypto.Keypair()
	if err != nil {
		return err
	}
	c.pk, c.sk = pk, sk
	c.haveKeys = true
	return nil
}

// establishCrypto processes the peer's public key from a StateConnected
// reply and derives the per-direction stream keys. The dialing side uses
// its own ephemeral pair; an accepted client uses its hosting parent's.
func (c *Conn) establishCrypto(msg *wire.Message) error {
	peerKey, sent := msg.BytesHeader(wire.HeaderPublicKey)
	if !sent {
		if c.encrypted {
			c.log.Error("did not receive peer key for encrypted service")
			return ErrCryptoFail
		}
		// Service does not require encryption and the hosting side did
		// not opt in.
		return nil
	}
	if len(peerKey) != crypto.KeySize {
		c.log.Error("peer key has unexpected length", logging.KeyCount, len(peerKey))
		return ErrCryptoFail
	}
	c.encrypted = true

	var peer [crypto.KeySize]byte
	copy(peer[:], peerKey)

	var err error
	switch c.State() {
	case StateConnecting:
		c.rxKey, c.txKey, err = crypto.ClientSessionKeys(c.pk, c.sk, peer)
	case StateAccepting:
		c.rxKey, c.txKey, err = crypto.ServerSessionKeys(c.parent.pk, c.parent.sk, peer)
	default:
		c.log.Error("cannot establish crypto", logging.KeyState, c.State())
		return ErrInvalidState
	}
	if err != nil {
		c.log.Error("failed to establish encryption", logging.KeyError, err)
		return ErrCryptoFail
	}

	if c.haveKeys {
		crypto.ZeroKey(&c.sk)
		c.haveKeys = false
	}
	return nil
}

// sendCryptoHeader initializes the outbound stream state, sends its
// header as the first Data message, and drops the transmit key. Every
// Data message after this carries a sealed body.
func (c *Conn) sendCryptoHeader() {
	if !c.encrypted {
		return
	}

	push, header, err := crypto.InitPush(c.txKey)
	if err != nil {
		c.log.Error("failed to initialize outbound stream", logging.KeyError, err)
		c.cryptoFatal()
		return
	}
	c.cryptOut = push

	wr := &writeRequest{
		conn: c,
		cb: func(conn *Conn, n int, err error) {
			if err != nil {
				conn.log.Error("crypto header write failed", logging.KeyError, err)
				conn.setState(StateClosed)
				if conn.dataCB != nil {
					conn.dataCB(conn, nil, err)
				}
			}
		},
	}
	c.writeReqs.Add(1)
	c.sendMessage(wire.ContentTypeData, header, wr)

	crypto.ZeroKey(c.txKey)
	c.txKey = nil
}

// cryptoFatal tears the connection down after an unrecoverable crypto
// error and tells the application through the data callback.
func (c *Conn) cryptoFatal() {
	c.ctx.metrics.CryptoErrors.Inc()
	c.setState(StateClosed)
	if c.dataCB != nil {
		c.dataCB(c, nil, ErrCryptoFail)
	}
}

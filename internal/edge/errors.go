package edge

import "errors"

// Errors surfaced to application callbacks and public entry points.
var (
	// ErrTimeout reports that a connect attempt or an individual write
	// outlived the connection's timeout.
	ErrTimeout = errors.New("operation timed out")

	// ErrGatewayUnavailable reports that every candidate edge router
	// failed to connect.
	ErrGatewayUnavailable = errors.New("no edge router available")

	// ErrServiceUnavailable reports that the controller does not offer
	// the requested service or session to this identity.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrConnClosed reports an operation against a closed connection, or
	// a peer-side refusal.
	ErrConnClosed = errors.New("connection closed")

	// ErrInvalidState rejects an operation not permitted in the
	// connection's current state.
	ErrInvalidState = errors.New("invalid connection state")

	// ErrCryptoFail reports a fatal key-exchange or cipher failure.
	ErrCryptoFail = errors.New("crypto failure")

	// ErrInternal reports a violated engine invariant.
	ErrInternal = errors.New("internal invariant violated")
)

// resultLabel maps a callback error to a metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrConnClosed):
		return "conn_closed"
	case errors.Is(err, ErrCryptoFail):
		return "crypto_fail"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "error"
	}
}

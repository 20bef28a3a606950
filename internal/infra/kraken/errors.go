package kraken

import (
	"errors"
	"strings"
)

var (
	// ErrMissingAPIKey is returned before any network call when a credential is empty.
	ErrMissingAPIKey = errors.New("missing api key")

	// ErrInvalidSecret is returned when the private key is not valid base64.
	ErrInvalidSecret = errors.New("invalid api secret")

	// ErrInvalidRequest covers token request transport failures, non-2xx
	// responses and undecodable bodies.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrMissingToken is returned when the token response carries no token.
	ErrMissingToken = errors.New("missing token")

	// ErrFailedToConnect is returned when the stream cannot be opened or subscribed.
	ErrFailedToConnect = errors.New("failed to connect")

	// ErrStaleSession is returned by Next after the configured silence.
	ErrStaleSession = errors.New("stale session")

	// ErrConnectionClosed is returned by Next once the socket is gone.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUnrecognizedFrame is returned by Decode for frames that are not L3 envelopes.
	ErrUnrecognizedFrame = errors.New("unrecognized frame")
)

// APIError is a non-empty error list in a REST response.
type APIError struct {
	Messages []string
}

func (e *APIError) Error() string {
	return "api error: " + strings.Join(e.Messages, ", ")
}

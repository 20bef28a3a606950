package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// Signer computes the API-Sign header for private REST calls.
type Signer struct {
	secret []byte
}

// NewSigner decodes the base64 private key.
func NewSigner(apiSecret string) (*Signer, error) {
	if apiSecret == "" {
		return nil, ErrMissingAPIKey
	}
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return &Signer{secret: secret}, nil
}

// Sign returns base64(HMAC-SHA512(secret, path || SHA256(nonce || postdata))).
// path is the URI path only, e.g. /0/private/GetWebSocketsToken.
func (s *Signer) Sign(path, nonce, postdata string) string {
	sha := sha256.New()
	sha.Write([]byte(nonce))
	sha.Write([]byte(postdata))
	digest := sha.Sum(nil)

	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(digest)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

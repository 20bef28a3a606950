package kraken

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"l3feed/internal/domain"

	"github.com/goccy/go-json"
)

// Session is a stream token and the moment it stops being accepted for a
// new subscription.
type Session struct {
	Token  string
	Expiry time.Time
}

// Valid reports whether the token can still open a stream at now, keeping margin spare.
func (s Session) Valid(now time.Time, margin time.Duration) bool {
	return s.Token != "" && !s.Expiry.IsZero() && now.Add(margin).Before(s.Expiry)
}

// Client is the Kraken private REST client (Boundary Layer).
type Client struct {
	baseURL    string
	tokenPath  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a REST client. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokenPath:  TokenPath,
		httpClient: httpClient,
		logger:     slog.Default().With("module", "kraken_client"),
	}
}

// WebSocketsToken requests a stream token signed with creds and nonce.
func (c *Client) WebSocketsToken(ctx context.Context, creds Credentials, nonce int64) (Session, error) {
	if creds.Empty() {
		return Session{}, ErrMissingAPIKey
	}
	signer, err := NewSigner(creds.APISecret)
	if err != nil {
		return Session{}, err
	}

	nonceStr := strconv.FormatInt(nonce, 10)
	postdata := url.Values{"nonce": {nonceStr}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.tokenPath, strings.NewReader(postdata))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("API-Key", creds.APIKey)
	req.Header.Set("API-Sign", signer.Sign(c.tokenPath, nonceStr, postdata))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Session{}, domain.NewNetworkError("token", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Session{}, domain.NewNetworkError("token", fmt.Errorf("%w: read body: %v", ErrInvalidRequest, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := fmt.Errorf("%w: status=%d body=%s", ErrInvalidRequest, resp.StatusCode, truncate(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Session{}, domain.NewNetworkError("token", statusErr)
		}
		return Session{}, domain.NewFatalNetworkError("token", statusErr)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Session{}, fmt.Errorf("%w: decode: %v", ErrInvalidRequest, err)
	}
	if len(tr.Error) > 0 {
		return Session{}, &APIError{Messages: tr.Error}
	}
	if tr.Result == nil || tr.Result.Token == "" {
		return Session{}, ErrMissingToken
	}

	sess := Session{Token: tr.Result.Token}
	ttl := tr.Result.Expires
	if ttl == 0 {
		ttl = tr.Result.Expiry
	}
	if ttl > 0 {
		sess.Expiry = time.Now().Add(time.Duration(ttl) * time.Second)
	}

	c.logger.Info("WebSocket token issued", slog.Int64("expires_sec", ttl))
	return sess, nil
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

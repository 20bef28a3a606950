package kraken

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"l3feed/internal/domain"

	"github.com/gorilla/websocket"
)

// tokenReuseMargin keeps a cached token from being used right before it lapses.
const tokenReuseMargin = 30 * time.Second

// BootstrapConfig describes one level3 subscription.
type BootstrapConfig struct {
	RESTURL     string
	WSURL       string
	Credentials Credentials

	Symbols  []string
	Depth    int
	Snapshot bool
	ReqID    uint64

	HandshakeTimeout time.Duration
	StaleTimeout     time.Duration
	PingInterval     time.Duration
}

// Bootstrapper authenticates and opens subscribed feed connections.
// It does not retry; the caller owns the reconnect policy.
type Bootstrapper struct {
	cfg    BootstrapConfig
	client *Client
	nonces *NonceSource
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	session Session
	now     func() time.Time
}

// NewBootstrapper creates a bootstrapper. nonces and httpClient may be nil.
func NewBootstrapper(cfg BootstrapConfig, nonces *NonceSource, httpClient *http.Client) *Bootstrapper {
	if cfg.WSURL == "" {
		cfg.WSURL = DefaultWSURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if nonces == nil {
		nonces = NewNonceSource()
	}
	return &Bootstrapper{
		cfg:    cfg,
		client: NewClient(cfg.RESTURL, httpClient),
		nonces: nonces,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: slog.Default().With("module", "kraken_bootstrap"),
		now:    time.Now,
	}
}

// Connect obtains a token (reusing an unexpired one) and returns a
// subscribed connection.
func (b *Bootstrapper) Connect(ctx context.Context) (*Conn, error) {
	if b.cfg.Credentials.Empty() {
		return nil, ErrMissingAPIKey
	}

	sess, err := b.token(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := b.open(ctx, sess.Token)
	if err != nil {
		// The token may have been rejected; fetch a fresh one next time.
		b.mu.Lock()
		b.session = Session{}
		b.mu.Unlock()
		return nil, err
	}

	b.logger.Info("Subscribed",
		slog.String("channel", level3Channel),
		slog.Any("symbols", b.cfg.Symbols),
		slog.Int("depth", b.cfg.Depth),
	)
	return conn, nil
}

// Session returns the token currently held.
func (b *Bootstrapper) Session() Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

func (b *Bootstrapper) token(ctx context.Context) (Session, error) {
	b.mu.Lock()
	cached := b.session
	b.mu.Unlock()
	if cached.Valid(b.now(), tokenReuseMargin) {
		return cached, nil
	}

	nonce := b.nonces.Next()
	if err := b.nonces.Persist(ctx); err != nil {
		b.logger.Warn("Failed to persist nonce", slog.Any("error", err))
	}

	sess, err := b.client.WebSocketsToken(ctx, b.cfg.Credentials, nonce)
	if err != nil {
		return Session{}, err
	}

	b.mu.Lock()
	b.session = sess
	b.mu.Unlock()
	return sess, nil
}

func (b *Bootstrapper) open(ctx context.Context, token string) (*Conn, error) {
	ws, _, err := b.dialer.DialContext(ctx, b.cfg.WSURL, nil)
	if err != nil {
		return nil, domain.NewNetworkError("connect", fmt.Errorf("%w: %v", ErrFailedToConnect, err))
	}
	conn := newConn(ws, b.cfg.StaleTimeout)

	req := subscribeRequest{
		Method: "subscribe",
		Params: subscribeParams{
			Channel: level3Channel,
			Symbol:  b.cfg.Symbols,
			Depth:   b.cfg.Depth,
			Token:   token,
			ReqID:   b.cfg.ReqID,
		},
	}
	if b.cfg.Snapshot {
		snapshot := true
		req.Params.Snapshot = &snapshot
	}

	if err := conn.subscribe(req); err != nil {
		_ = conn.Close()
		return nil, domain.NewNetworkError("connect", fmt.Errorf("%w: subscribe: %v", ErrFailedToConnect, err))
	}

	if b.cfg.PingInterval > 0 {
		go conn.pingLoop(b.cfg.PingInterval)
	}
	return conn, nil
}

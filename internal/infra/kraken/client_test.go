package kraken

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"l3feed/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests int
	header   http.Header
	body     string
	path     string
}

func newTokenServer(t *testing.T, status int, body string) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		ts.mu.Lock()
		ts.requests++
		ts.header = r.Header.Clone()
		ts.body = string(b)
		ts.path = r.URL.Path
		ts.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.requests
}

func (ts *tokenServer) last() (path, body string, header http.Header) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.path, ts.body, ts.header
}

var testCreds = Credentials{APIKey: "test-key", APISecret: testSecret}

func TestClient_WebSocketsToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"error":[],"result":{"token":"tok-123","expires":900}}`)
	c := NewClient(ts.URL, nil)

	before := time.Now()
	sess, err := c.WebSocketsToken(context.Background(), testCreds, 1700000000000)
	require.NoError(t, err)

	assert.Equal(t, "tok-123", sess.Token)
	assert.WithinDuration(t, before.Add(900*time.Second), sess.Expiry, 5*time.Second)

	path, body, header := ts.last()
	assert.Equal(t, TokenPath, path)
	assert.Equal(t, "nonce=1700000000000", body)
	assert.Equal(t, "test-key", header.Get("API-Key"))
	assert.Equal(t, "application/x-www-form-urlencoded", header.Get("Content-Type"))
	assert.Equal(t,
		"L/HkUJA19dVkFWobMGRZ+ieHJspDjuRKCO4HaDSDOJLC6G5uhsGzdjFlh7pqRkri+0xgT0dgSyICpRtNqxzHsg==",
		header.Get("API-Sign"))
}

func TestClient_WebSocketsTokenExpiryField(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"error":[],"result":{"token":"tok","expiry":60}}`)
	sess, err := NewClient(ts.URL, nil).WebSocketsToken(context.Background(), testCreds, 1)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), sess.Expiry, 5*time.Second)
}

func TestClient_WebSocketsTokenErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		want      error
		retriable bool
	}{
		{"missing result", http.StatusOK, `{"error":[]}`, ErrMissingToken, false},
		{"empty token", http.StatusOK, `{"error":[],"result":{"token":""}}`, ErrMissingToken, false},
		{"undecodable body", http.StatusOK, `<html>`, ErrInvalidRequest, false},
		{"server error", http.StatusBadGateway, `bad gateway`, ErrInvalidRequest, true},
		{"rate limited", http.StatusTooManyRequests, ``, ErrInvalidRequest, true},
		{"forbidden", http.StatusForbidden, `{}`, ErrInvalidRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t, tt.status, tt.body)
			_, err := NewClient(ts.URL, nil).WebSocketsToken(context.Background(), testCreds, 1)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.retriable, domain.IsRetriable(err))
		})
	}
}

func TestClient_APIError(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"error":["EAPI:Invalid key","EGeneral:Permission denied"]}`)
	_, err := NewClient(ts.URL, nil).WebSocketsToken(context.Background(), testCreds, 1)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "api error: EAPI:Invalid key, EGeneral:Permission denied", apiErr.Error())
	assert.False(t, domain.IsRetriable(err))
}

func TestClient_TransportFailureIsRetriable(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{}`)
	url := ts.URL
	ts.Close()

	_, err := NewClient(url, nil).WebSocketsToken(context.Background(), testCreds, 1)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.True(t, domain.IsRetriable(err))
}

func TestClient_CredentialsCheckedBeforeNetwork(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{}`)
	c := NewClient(ts.URL, nil)

	for _, creds := range []Credentials{{}, {APIKey: "k"}, {APISecret: testSecret}} {
		_, err := c.WebSocketsToken(context.Background(), creds, 1)
		assert.ErrorIs(t, err, ErrMissingAPIKey)
	}
	_, err := c.WebSocketsToken(context.Background(), Credentials{APIKey: "k", APISecret: "%%%"}, 1)
	assert.ErrorIs(t, err, ErrInvalidSecret)

	assert.Zero(t, ts.count())
}

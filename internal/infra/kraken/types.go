package kraken

import (
	"github.com/shopspring/decimal"
)

// Kraken endpoints
const (
	DefaultRESTURL = "https://api.kraken.com"
	DefaultWSURL   = "wss://ws-l3.kraken.com/v2"
	TokenPath      = "/0/private/GetWebSocketsToken"

	level3Channel = "level3"
)

// Credentials are the API key pair used to obtain a stream token.
type Credentials struct {
	APIKey    string
	APISecret string // base64, as issued by the exchange
}

// Empty reports whether either half of the pair is missing.
func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.APISecret == ""
}

// tokenResponse is the body of GetWebSocketsToken.
type tokenResponse struct {
	Error  []string     `json:"error"`
	Result *tokenResult `json:"result"`
}

type tokenResult struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
	Expiry  int64  `json:"expiry"`
}

type subscribeRequest struct {
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Depth    int      `json:"depth,omitempty"`
	Snapshot *bool    `json:"snapshot,omitempty"`
	Token    string   `json:"token"`
	ReqID    uint64   `json:"req_id,omitempty"`
}

type pingRequest struct {
	Method string `json:"method"`
}

// wireFrame is a level3 data frame. Pointer fields distinguish absent keys.
type wireFrame struct {
	Channel *string      `json:"channel"`
	Type    *string      `json:"type"`
	Data    *[]wireDelta `json:"data"`
}

type wireDelta struct {
	Checksum  *uint32     `json:"checksum"`
	Symbol    string      `json:"symbol"`
	Timestamp string      `json:"timestamp"`
	Bids      []wireEvent `json:"bids"`
	Asks      []wireEvent `json:"asks"`
}

type wireEvent struct {
	Event      *string          `json:"event"`
	OrderID    *string          `json:"order_id"`
	LimitPrice *decimal.Decimal `json:"limit_price"`
	OrderQty   *decimal.Decimal `json:"order_qty"`
	Timestamp  *string          `json:"timestamp"`
}

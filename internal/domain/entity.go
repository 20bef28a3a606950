package domain

import (
	"time"
)

// NonceState is the highest nonce issued for an API key.
type NonceState struct {
	APIKey    string    `gorm:"primaryKey" json:"api_key"`
	Nonce     int64     `json:"nonce"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LatencyReport is one operation kind's percentiles for a feed run.
type LatencyReport struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RunID     string    `gorm:"index" json:"run_id"`
	Op        string    `json:"op"`
	Count     int64     `json:"count"`
	P50Ns     int64     `json:"p50_ns"`
	P95Ns     int64     `json:"p95_ns"`
	P99Ns     int64     `json:"p99_ns"`
	MaxNs     int64     `json:"max_ns"`
	CreatedAt time.Time `json:"created_at"`
}

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"l3feed/internal/engine"
	"l3feed/internal/infra"
	"l3feed/internal/infra/kraken"
	"l3feed/internal/infra/storage"
	"l3feed/internal/stats"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Storage   *storage.Storage
	Recorder  *stats.Recorder
	Metrics   *infra.Metrics
	Feed      *kraken.Bootstrapper
	Sequencer *engine.Sequencer

	RunID  string
	ranFor time.Duration
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{
		Recorder: stats.NewRecorder(),
		Metrics:  infra.GlobalMetrics,
		RunID:    time.Now().UTC().Format("20060102T150405Z"),
	}
}

// Initialize performs core system initialization (config, logger, DB).
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping l3feed...")

	// 1. Load .env and config
	if err := infra.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("path", cfg.Storage.Path))

	return nil
}

// BuildFeed wires the authenticated feed into the sequencer. Missing
// credentials fail here, before any network call.
func (b *Bootstrap) BuildFeed(ctx context.Context) error {
	cfg := b.Config
	creds := kraken.Credentials{APIKey: cfg.Kraken.APIKey, APISecret: cfg.Kraken.APISecret}
	if creds.Empty() {
		return kraken.ErrMissingAPIKey
	}

	nonces, err := kraken.NewPersistentNonceSource(ctx, b.Storage, nonceKey(creds.APIKey))
	if err != nil {
		return fmt.Errorf("failed to load nonce state: %w", err)
	}

	b.Feed = kraken.NewBootstrapper(kraken.BootstrapConfig{
		RESTURL:          cfg.Kraken.RestURL,
		WSURL:            cfg.Kraken.WSURL,
		Credentials:      creds,
		Symbols:          cfg.Feed.Symbols,
		Depth:            cfg.Feed.Depth,
		Snapshot:         cfg.Feed.Snapshot,
		ReqID:            cfg.Feed.ReqID,
		HandshakeTimeout: time.Duration(cfg.Kraken.HandshakeTimeoutSec) * time.Second,
		StaleTimeout:     cfg.StaleTimeout(),
		PingInterval:     time.Duration(cfg.Feed.PingIntervalSec) * time.Second,
	}, nonces, nil)

	b.Sequencer = engine.NewSequencer(engine.SequencerConfig{
		Symbols:            cfg.Feed.Symbols,
		ResyncOnError:      cfg.Feed.ResyncOnError,
		InitialBackoff:     time.Duration(cfg.Feed.Reconnect.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:         time.Duration(cfg.Feed.Reconnect.MaxBackoffMS) * time.Millisecond,
		MaxReconnectElapse: time.Duration(cfg.Feed.Reconnect.MaxElapsedSec) * time.Second,
	}, b.dial, kraken.Decode, b.Recorder, b.Metrics)

	slog.Info("✅ Feed ready", slog.Any("symbols", cfg.Feed.Symbols), slog.String("ws_url", cfg.Kraken.WSURL))
	return nil
}

func (b *Bootstrap) dial(ctx context.Context) (engine.Session, error) {
	conn, err := b.Feed.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Run drives the sequencer until ctx ends or the configured run duration elapses.
func (b *Bootstrap) Run(ctx context.Context) error {
	if d := b.Config.RunDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
		slog.Info("Run duration set", slog.Duration("duration", d))
	}

	if sec := b.Config.Reports.MetricsIntervalSec; sec > 0 {
		go b.reportMetrics(ctx, time.Duration(sec)*time.Second)
	}

	start := time.Now()
	err := b.Sequencer.Run(ctx)
	b.ranFor = time.Since(start)
	return err
}

func (b *Bootstrap) reportMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logMetrics("Feed metrics", b.Metrics.Snapshot())
		}
	}
}

// Report logs the latency summary and writes it to the reports dir and the DB.
func (b *Bootstrap) Report(ctx context.Context) error {
	summary := b.Recorder.Summarize()
	for _, kind := range summary.Kinds() {
		r := summary[kind]
		slog.Info("Latency",
			slog.String("op", string(kind)),
			slog.Int64("count", r.Count),
			slog.Duration("p50", r.P50),
			slog.Duration("p95", r.P95),
			slog.Duration("p99", r.P99),
			slog.Duration("max", r.Max),
		)
	}
	logMetrics("Final metrics", b.Metrics.Snapshot())

	path, err := stats.WriteMarkdown(b.Config.Reports.Dir, summary, b.ranFor)
	if err != nil {
		return err
	}
	slog.Info("📄 Summary written", slog.String("path", path))

	if err := b.Storage.SaveLatencyReports(ctx, b.RunID, summary); err != nil {
		return fmt.Errorf("failed to store latency reports: %w", err)
	}
	return nil
}

// Close releases the database.
func (b *Bootstrap) Close() error {
	if b.Storage == nil {
		return nil
	}
	return b.Storage.Close()
}

func logMetrics(msg string, s infra.MetricsSnapshot) {
	slog.Info(msg,
		slog.Uint64("frames", s.FramesReceived),
		slog.Uint64("skipped", s.FramesSkipped),
		slog.Uint64("applied", s.EnvelopesApplied),
		slog.Uint64("rejected", s.EnvelopesRejected),
		slog.Uint64("apply_errors", s.ApplyErrors),
		slog.Uint64("replace_failures", s.ReplaceFailures),
		slog.Uint64("resyncs", s.Resyncs),
		slog.Uint64("reconnects", s.Reconnects),
		slog.Int64("avg_reconcile_ns", s.AvgReconcileNs),
		slog.Int("connections", int(s.ActiveConnections)),
	)
}

// nonceKey identifies an API key in storage without storing the key itself.
func nonceKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}

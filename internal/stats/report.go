package stats

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SummaryFile is the report file name written by WriteMarkdown.
const SummaryFile = "SUMMARY.md"

// RenderMarkdown formats a summary as a markdown table.
func RenderMarkdown(s Summary, runFor time.Duration) string {
	var sb strings.Builder
	sb.WriteString("# Latency Summary\n\n")
	if runFor > 0 {
		sb.WriteString(fmt.Sprintf("Run duration: %s\n\n", runFor.Round(time.Millisecond)))
	}
	if len(s) == 0 {
		sb.WriteString("No samples recorded.\n")
		return sb.String()
	}
	sb.WriteString("| op | count | p50 | p95 | p99 | max |\n")
	sb.WriteString("|---|---:|---:|---:|---:|---:|\n")
	for _, kind := range s.Kinds() {
		r := s[kind]
		sb.WriteString(fmt.Sprintf("| %s | %d | %s | %s | %s | %s |\n",
			kind, r.Count, r.P50, r.P95, r.P99, r.Max))
	}
	return sb.String()
}

// WriteMarkdown writes the summary to dir/SUMMARY.md and returns the path.
func WriteMarkdown(dir string, s Summary, runFor time.Duration) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report dir: %w", err)
	}
	path := filepath.Join(dir, SummaryFile)
	if err := os.WriteFile(path, []byte(RenderMarkdown(s, runFor)), 0644); err != nil {
		return "", fmt.Errorf("failed to write summary: %w", err)
	}
	return path, nil
}

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/config"
)

// captureWarnings calls logConfigWarnings with the given config and returns
// everything it logged.
func captureWarnings(cfg config.Config) string {
	var buf bytes.Buffer
	logConfigWarnings(cfg, zerolog.New(&buf))
	return buf.String()
}

// quietConfig returns a config that triggers no startup warnings.
func quietConfig() config.Config {
	return config.Config{
		RetentionExecute: true,
		MetricsEnabled:   true,
		BreakerThreshold: 3,
		PublicationDelay: 15 * time.Minute,
	}
}

func TestLogConfigWarnings_Quiet(t *testing.T) {
	output := captureWarnings(quietConfig())
	if output != "" {
		t.Errorf("expected no warnings, got: %s", output)
	}
}

func TestLogConfigWarnings_RetentionDryRun(t *testing.T) {
	cfg := quietConfig()
	cfg.RetentionExecute = false
	output := captureWarnings(cfg)

	if !strings.Contains(output, "retention is in dry-run mode") {
		t.Error("expected retention dry-run notice, got:", output)
	}
	if strings.Contains(output, "KEEP_FILES") {
		t.Error("did not expect keep-files warning, got:", output)
	}
}

func TestLogConfigWarnings_KeepFiles(t *testing.T) {
	cfg := quietConfig()
	cfg.KeepFiles = true
	output := captureWarnings(cfg)

	if !strings.Contains(output, "KEEP_FILES is set") {
		t.Error("expected keep-files warning, got:", output)
	}
}

func TestLogConfigWarnings_MetricsDisabled(t *testing.T) {
	cfg := quietConfig()
	cfg.MetricsEnabled = false
	output := captureWarnings(cfg)

	if !strings.Contains(output, "METRICS_ENABLED=false") {
		t.Error("expected metrics warning, got:", output)
	}
}

func TestLogConfigWarnings_BreakerDisabled(t *testing.T) {
	cfg := quietConfig()
	cfg.BreakerThreshold = 0
	output := captureWarnings(cfg)

	if !strings.Contains(output, "BREAKER_THRESHOLD=0") {
		t.Error("expected breaker warning, got:", output)
	}
}

func TestLogConfigWarnings_NoPublicationDelay(t *testing.T) {
	cfg := quietConfig()
	cfg.PublicationDelay = 0
	output := captureWarnings(cfg)

	if !strings.Contains(output, "PUBLICATION_DELAY=0") {
		t.Error("expected publication delay warning, got:", output)
	}
}

func TestLogConfigWarnings_AllWarnings(t *testing.T) {
	cfg := quietConfig()
	cfg.RetentionExecute = false
	cfg.KeepFiles = true
	cfg.MetricsEnabled = false
	cfg.BreakerThreshold = 0
	cfg.PublicationDelay = 0
	output := captureWarnings(cfg)

	expected := []string{
		"retention is in dry-run mode",
		"KEEP_FILES is set",
		"METRICS_ENABLED=false",
		"BREAKER_THRESHOLD=0",
		"PUBLICATION_DELAY=0",
	}
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

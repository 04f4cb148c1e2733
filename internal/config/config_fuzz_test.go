package config

import (
	"strings"
	"testing"
	"time"
)

func FuzzLoadStreamPollInterval(f *testing.F) {
	f.Add("1s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("250ms")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, streamPollInterval string) {
		if streamPollInterval == "" || strings.ContainsRune(streamPollInterval, '\x00') {
			t.Skip()
		}

		clearEnv(t)
		t.Setenv("DATABASE_URL", "postgres://localhost/test")
		t.Setenv("STREAM_POLL_INTERVAL", streamPollInterval)

		cfg, err := Load()
		parsed, parseErr := time.ParseDuration(streamPollInterval)
		if parseErr != nil || parsed <= 0 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for STREAM_POLL_INTERVAL=%q", streamPollInterval)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for STREAM_POLL_INTERVAL=%q", err, streamPollInterval)
		}
		if cfg.StreamPollInterval != parsed {
			t.Fatalf("StreamPollInterval = %s, want %s", cfg.StreamPollInterval, parsed)
		}
	})
}

func FuzzLoadExposureSink(f *testing.F) {
	f.Add("log")
	f.Add("postgres")
	f.Add(" NONE ")
	f.Add("kafka")

	f.Fuzz(func(t *testing.T, sink string) {
		if sink == "" || strings.ContainsRune(sink, '\x00') {
			t.Skip()
		}

		clearEnv(t)
		t.Setenv("DATABASE_URL", "postgres://localhost/test")
		t.Setenv("EXPOSURE_SINK", sink)

		cfg, err := Load()
		normalized := strings.ToLower(strings.TrimSpace(sink))
		switch normalized {
		case ExposureSinkLog, ExposureSinkPostgres, ExposureSinkNone:
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for EXPOSURE_SINK=%q", err, sink)
			}
			if cfg.ExposureSink != normalized {
				t.Fatalf("ExposureSink = %q, want %q", cfg.ExposureSink, normalized)
			}
		default:
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for EXPOSURE_SINK=%q", sink)
			}
		}
	})
}

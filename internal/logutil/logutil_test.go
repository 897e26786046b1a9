package logutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLevelSampler(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Sample(LevelSampler{Level: zerolog.WarnLevel})

	logger.Debug().Msg("frame pushed")
	logger.Info().Msg("scope started")
	logger.Warn().Msg("frames still open at scope teardown")
	logger.Error().Msg("stack discipline violated")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 events, got %d: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "frames still open") {
		t.Fatalf("unexpected event: %s", lines[0])
	}
}

func TestLevelSamplerThinsVerboseEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Sample(LevelSampler{
		Level:   zerolog.DebugLevel,
		Verbose: &zerolog.BasicSampler{N: 2},
	})

	for i := 0; i < 4; i++ {
		logger.Debug().Int("depth", i).Msg("frame pushed")
	}
	logger.Info().Msg("scope started")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 events, got %d: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[2], "scope started") {
		t.Fatalf("info events should not be sampled: %s", lines[2])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{input: "debug", want: zerolog.DebugLevel},
		{input: "warn", want: zerolog.WarnLevel},
		{input: "", want: zerolog.InfoLevel},
		{input: "verbose", want: zerolog.InfoLevel},
	}
	for _, test := range tests {
		if got := ParseLevel(test.input); got != test.want {
			t.Fatalf("%q: expected %v, got %v", test.input, test.want, got)
		}
	}
}

func TestErrorHook(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Hook(ErrorHook{})
	logger.Error().Msg("stack discipline violated")
	if !strings.Contains(buf.String(), `"severity":"error"`) {
		t.Fatalf("expected a severity field, got %s", buf.String())
	}
}

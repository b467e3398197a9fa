package logging

import (
	"testing"
)

func TestLogger_HistoryCapturesComponentLines(t *testing.T) {
	logger, err := New(&Config{
		LogDir:     t.TempDir(),
		Level:      "debug",
		MaxHistory: 5,
		Console:    false,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Close()

	log := logger.Component("capture")
	log.Info().Msg("first")
	log.Warn().Msg("second")

	history := logger.GetHistory(0)
	if len(history) < 3 { // init line plus the two above
		t.Fatalf("expected at least 3 entries, got %d", len(history))
	}

	last := history[len(history)-1]
	if last.Message != "second" || last.Component != "capture" || last.Level != "warn" {
		t.Fatalf("unexpected entry: %+v", last)
	}
}

func TestLogger_HistoryBounded(t *testing.T) {
	logger, err := New(&Config{
		LogDir:     t.TempDir(),
		Level:      "debug",
		MaxHistory: 4,
		Console:    false,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Close()

	log := logger.Component("test")
	for i := 0; i < 10; i++ {
		log.Info().Int("i", i).Msg("tick")
	}

	if got := len(logger.GetHistory(0)); got != 4 {
		t.Fatalf("expected history capped at 4, got %d", got)
	}
}

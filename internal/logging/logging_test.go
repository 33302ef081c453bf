package logging

import "testing"

func TestNewParsesLevel(t *testing.T) {
	t.Parallel()

	logger, err := New("debug", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Desugar().Core().Enabled(-1) {
		t.Fatalf("expected debug level to be enabled")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New("chatty", false); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestOrNop(t *testing.T) {
	t.Parallel()

	if OrNop(nil) == nil {
		t.Fatalf("expected nop logger")
	}
}

package logx

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" info ", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var zero Logger
	zero.Info("zero value must not panic")
	zero.Error("zero value must not panic", String("k", "v"))

	n := Nop()
	n.Warn("nop must not panic", Err(nil))
	if zero.Enabled(LevelError) {
		t.Errorf("zero logger should report nothing enabled")
	}
}

func TestWithAccumulatesFields(t *testing.T) {
	t.Parallel()

	l := Nop().With(String("comp", "test"))
	l2 := l.With(Int("n", 1), Bool("ok", true))
	if len(l2.fields) != 3 {
		t.Fatalf("expected 3 fixed fields, got %d", len(l2.fields))
	}
	// Parent must be unchanged.
	if len(l.fields) != 1 {
		t.Fatalf("parent logger mutated: %d fields", len(l.fields))
	}
}

type countWriter struct{ n int }

func (c *countWriter) Write(p []byte) (int, error) {
	c.n++
	return len(p), nil
}

func TestFloodGuardDropsBeyondBudget(t *testing.T) {
	t.Parallel()

	cw := &countWriter{}
	g := newFloodGuard(cw, 5)
	for i := 0; i < 50; i++ {
		if _, err := g.Write([]byte("line\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// Budget is 5/s with burst 5; the loop runs well inside one second.
	if cw.n > 6 {
		t.Errorf("flood guard passed %d lines, want <= 6", cw.n)
	}
	if got := g.dropped.Load(); got < 40 {
		t.Errorf("dropped counter = %d, want >= 40", got)
	}
}

func TestStackTraceNotEmpty(t *testing.T) {
	t.Parallel()

	s := StackTrace(1, 8)
	if s == "" {
		t.Fatalf("expected non-empty stack")
	}
}

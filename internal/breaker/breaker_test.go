package breaker

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(max int, reset time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	b := New(Config{MaxFailures: max, ResetTimeout: reset})
	b.now = clk.now
	return b, clk
}

func TestBreaker_NormalOperation(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	for i := 0; i < 10; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("scan %d refused: %v", i, err)
		}
		b.Record(false)
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("expected closed, got %s", b.CurrentState())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("scan %d refused early: %v", i, err)
		}
		b.Record(true)
	}
	if b.CurrentState() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.CurrentState())
	}
	if b.Failures() != 3 {
		t.Errorf("expected 3 failures, got %d", b.Failures())
	}

	err := b.Allow()
	if err == nil {
		t.Fatal("open breaker should refuse")
	}
	if !errors.Is(err, ErrOpen) {
		t.Errorf("refusal %v should match ErrOpen", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Failures != 3 || oe.RetryIn != time.Second {
		t.Errorf("unexpected refusal detail: %#v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	for _, failed := range []bool{true, true, false, true, true} {
		_ = b.Allow()
		b.Record(failed)
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("expected closed, got %s", b.CurrentState())
	}
	if b.Failures() != 2 {
		t.Errorf("expected 2 failures, got %d", b.Failures())
	}
}

func TestBreaker_ProbeRecovery(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	_ = b.Allow()
	b.Record(true)

	clk.advance(999 * time.Millisecond)
	if err := b.Allow(); err == nil {
		t.Fatal("should still be open before the reset timeout")
	}

	clk.advance(time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe refused: %v", err)
	}
	if b.CurrentState() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.CurrentState())
	}
	// Only one probe at a time.
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("second probe should be refused, got %v", err)
	}

	b.Record(false)
	if b.CurrentState() != StateClosed {
		t.Errorf("expected closed after successful probe, got %s", b.CurrentState())
	}
	if b.Failures() != 0 {
		t.Errorf("expected 0 failures, got %d", b.Failures())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)
	for i := 0; i < 2; i++ {
		_ = b.Allow()
		b.Record(true)
	}
	clk.advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe refused: %v", err)
	}
	b.Record(true)
	if b.CurrentState() != StateOpen {
		t.Errorf("expected open after failed probe, got %s", b.CurrentState())
	}
	if err := b.Allow(); err == nil {
		t.Error("re-opened breaker should refuse")
	}
}

func TestBreaker_StateChange(t *testing.T) {
	var transitions []string
	b := New(Config{
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, fmt.Sprintf("%s→%s", from, to))
		},
	})

	_ = b.Allow()
	b.Record(true)
	time.Sleep(20 * time.Millisecond)
	_ = b.Allow()
	b.Record(false)

	want := []string{"closed→open", "open→half-open", "half-open→closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_Nil(t *testing.T) {
	var b *Breaker
	if err := b.Allow(); err != nil {
		t.Errorf("nil breaker refused: %v", err)
	}
	b.Record(true)
	if b.CurrentState() != StateClosed || b.Failures() != 0 {
		t.Error("nil breaker should look closed")
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	if b.maxFailures != 5 {
		t.Errorf("expected default maxFailures=5, got %d", b.maxFailures)
	}
	if b.resetTimeout != 5*time.Second {
		t.Errorf("expected default resetTimeout=5s, got %v", b.resetTimeout)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

package deadline

import (
	"bytes"
	"strings"
	"testing"
	"time"

	logx "robotloop/pkg/logx"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func TestDisarmWithinBudget(t *testing.T) {
	clock := newClock()
	tr := New(20*time.Millisecond, WithClock(clock.Now))

	tr.Arm()
	clock.Advance(5 * time.Millisecond)
	tr.Disarm()

	if tr.IsExpired() {
		t.Fatal("IsExpired() = true, want false")
	}
}

func TestDisarmOverBudget(t *testing.T) {
	clock := newClock()
	var gotBudget, gotElapsed time.Duration
	calls := 0
	tr := New(20*time.Millisecond, WithClock(clock.Now), WithExpireFunc(func(b, e time.Duration) {
		calls++
		gotBudget, gotElapsed = b, e
	}))

	tr.Arm()
	clock.Advance(25 * time.Millisecond)
	tr.Disarm()

	if !tr.IsExpired() {
		t.Fatal("IsExpired() = false, want true")
	}
	if calls != 1 {
		t.Fatalf("expire callback calls = %d, want 1", calls)
	}
	if gotBudget != 20*time.Millisecond || gotElapsed != 25*time.Millisecond {
		t.Fatalf("callback got (%v, %v), want (20ms, 25ms)", gotBudget, gotElapsed)
	}
}

func TestExactlyBudgetIsNotExpired(t *testing.T) {
	clock := newClock()
	tr := New(20*time.Millisecond, WithClock(clock.Now))

	tr.Arm()
	clock.Advance(20 * time.Millisecond)
	tr.Disarm()

	if tr.IsExpired() {
		t.Fatal("elapsed == budget must not count as overrun")
	}
}

func TestArmClearsExpired(t *testing.T) {
	clock := newClock()
	tr := New(time.Millisecond, WithClock(clock.Now))

	tr.Arm()
	clock.Advance(2 * time.Millisecond)
	tr.Disarm()
	if !tr.IsExpired() {
		t.Fatal("expected expired after overrun")
	}

	tr.Arm()
	if tr.IsExpired() {
		t.Fatal("Arm() must clear the expired flag")
	}
}

func TestEpochsAttributeIncrementalTime(t *testing.T) {
	clock := newClock()
	tr := New(20*time.Millisecond, WithClock(clock.Now))

	tr.Arm()
	clock.Advance(3 * time.Millisecond)
	tr.AddEpoch("teleopInit()")
	clock.Advance(4 * time.Millisecond)
	tr.AddEpoch("teleopPeriodic()")
	clock.Advance(1 * time.Millisecond)
	tr.AddEpoch("robotPeriodic()")

	want := []Epoch{
		{Label: "teleopInit()", Elapsed: 3 * time.Millisecond},
		{Label: "teleopPeriodic()", Elapsed: 4 * time.Millisecond},
		{Label: "robotPeriodic()", Elapsed: 1 * time.Millisecond},
	}
	got := tr.Epochs()
	if len(got) != len(want) {
		t.Fatalf("len(Epochs()) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("epoch %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestArmResetsEpochs(t *testing.T) {
	clock := newClock()
	tr := New(20*time.Millisecond, WithClock(clock.Now))

	for tick := 0; tick < 3; tick++ {
		tr.Arm()
		if n := len(tr.Epochs()); n != 0 {
			t.Fatalf("tick %d: epochs after Arm() = %d, want 0", tick, n)
		}
		for i := 0; i < 2; i++ {
			clock.Advance(time.Millisecond)
			tr.AddEpoch("hook")
		}
		if n := len(tr.Epochs()); n != 2 {
			t.Fatalf("tick %d: epochs = %d, want 2", tick, n)
		}
		tr.Disarm()
	}
}

func TestEpochAfterDisarmDoesNotAffectExpiry(t *testing.T) {
	clock := newClock()
	tr := New(10*time.Millisecond, WithClock(clock.Now))

	tr.Arm()
	clock.Advance(9 * time.Millisecond)
	tr.AddEpoch("teleopPeriodic()")
	tr.Disarm()
	clock.Advance(5 * time.Millisecond)
	tr.AddEpoch("robotPeriodic()")

	if tr.IsExpired() {
		t.Fatal("time after Disarm() must not count toward expiry")
	}
	if n := len(tr.Epochs()); n != 2 {
		t.Fatalf("epochs = %d, want 2", n)
	}
}

func TestPrintEpochsLogsEachRecord(t *testing.T) {
	clock := newClock()
	var buf bytes.Buffer
	tr := New(time.Millisecond, WithClock(clock.Now), WithLogger(logx.NewJSON(&buf, "debug")))

	tr.Arm()
	clock.Advance(time.Millisecond)
	tr.AddEpoch("autonomousPeriodic()")
	clock.Advance(time.Millisecond)
	tr.AddEpoch("robotPeriodic()")
	tr.Disarm()
	tr.PrintEpochs()

	out := buf.String()
	if got := strings.Count(out, `"message":"loop epoch"`); got != 2 {
		t.Fatalf("logged epochs = %d, want 2\n%s", got, out)
	}
	for _, label := range []string{"autonomousPeriodic()", "robotPeriodic()"} {
		if !strings.Contains(out, label) {
			t.Errorf("output missing %q", label)
		}
	}
}

func TestDisarmWithoutArmIsNoop(t *testing.T) {
	calls := 0
	tr := New(0, WithExpireFunc(func(time.Duration, time.Duration) { calls++ }))
	tr.Disarm()
	if tr.IsExpired() || calls != 0 {
		t.Fatalf("Disarm() before Arm() changed state: expired=%v calls=%d", tr.IsExpired(), calls)
	}
}

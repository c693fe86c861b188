package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClockNowAndExpired(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	assert.Equal(t, start, c.Now())
	assert.False(t, c.Expired(start, time.Minute))

	c.Advance(time.Minute)
	assert.True(t, c.Expired(start, time.Minute))
	assert.Equal(t, time.Minute, c.Since(start))

	c.Set(start.Add(time.Hour))
	assert.Equal(t, start.Add(time.Hour), c.Now())
}

func TestMockTimerFiresOnceAtDeadline(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	timer := c.NewTimer(30 * time.Second)

	c.Advance(29 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case at := <-timer.C():
		assert.Equal(t, start.Add(30*time.Second), at)
	default:
		t.Fatal("timer did not fire at its deadline")
	}

	// One-shot: advancing further delivers nothing more.
	c.Advance(time.Minute)
	select {
	case <-timer.C():
		t.Fatal("one-shot timer fired twice")
	default:
	}
}

func TestMockTickerRearmsEachPeriod(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		c.Advance(10 * time.Second)
		select {
		case at := <-ticker.C():
			assert.Equal(t, start.Add(time.Duration(i)*10*time.Second), at)
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}
}

func TestMockTickerDropsUndrainedTicks(t *testing.T) {
	c := NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	// Nobody drains across a long advance: like time.Ticker, at most one
	// tick is buffered.
	c.Advance(time.Minute)
	<-ticker.C()
	select {
	case <-ticker.C():
		t.Fatal("more than one tick buffered")
	default:
	}
}

func TestMockAdvanceFiresWaitersInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	late := c.NewTimer(40 * time.Second)
	early := c.NewTimer(10 * time.Second)

	c.Advance(time.Minute)

	earlyAt := <-early.C()
	lateAt := <-late.C()
	assert.True(t, earlyAt.Before(lateAt))
	assert.Equal(t, start.Add(10*time.Second), earlyAt)
	assert.Equal(t, start.Add(40*time.Second), lateAt)
}

func TestStoppedWaitersNeverFire(t *testing.T) {
	c := NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	timer := c.NewTimer(time.Second)
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())

	ticker := c.NewTicker(time.Second)
	ticker.Stop()

	c.Advance(time.Minute)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestRealClockBasics(t *testing.T) {
	var c Clock = RealClock{}
	before := c.Now()
	assert.False(t, c.Expired(before, time.Hour))
	assert.GreaterOrEqual(t, c.Since(before), time.Duration(0))

	timer := c.NewTimer(time.Hour)
	assert.True(t, timer.Stop())
	ticker := c.NewTicker(time.Hour)
	ticker.Stop()
}

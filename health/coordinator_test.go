package health_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vtpl1/safetynet/health"
	"github.com/vtpl1/safetynet/models"
)

type timer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

// manualScheduler fires timers only when the test says so
type manualScheduler struct {
	timers []*timer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	t := &timer{d: d, f: f}
	s.timers = append(s.timers, t)
	return func() bool {
		pending := !t.stopped && !t.fired
		t.stopped = true
		return pending
	}
}

// fireAll runs every timer regardless of cancellation, like a timer that
// raced its Stop call.
func (s *manualScheduler) fireAll() {
	for _, t := range s.timers {
		if !t.fired {
			t.fired = true
			t.f()
		}
	}
}

type fakeProber struct {
	connected map[string]bool
	sent      []string
}

func (p *fakeProber) IsConnected(address string) bool { return p.connected[address] }

func (p *fakeProber) Send(address string, msg any) bool {
	if _, ok := msg.(models.StatusRequest); !ok {
		return false
	}
	p.sent = append(p.sent, address)
	return true
}

var (
	cam1 = models.Camera{Name: "Cam1", Address: "10.0.0.1"}
	cam2 = models.Camera{Name: "Cam2", Address: "10.0.0.2"}
)

func setup() (*health.Coordinator, *manualScheduler, *fakeProber, *[]health.Probe) {
	sched := &manualScheduler{}
	c := health.NewCoordinator(5*time.Second, sched)
	var timeouts []health.Probe
	c.OnTimeout = func(p health.Probe) { timeouts = append(timeouts, p) }
	prober := &fakeProber{connected: map[string]bool{"10.0.0.1": true}}
	return c, sched, prober, &timeouts
}

func TestUnconnectedCamerasAreNotProbed(t *testing.T) {
	c, sched, prober, _ := setup()
	round, unreachable := c.StartRound([]models.Camera{cam1, cam2}, time.Now(), prober)
	assert.Equal(t, uint64(1), round)
	assert.Equal(t, []models.Camera{cam2}, unreachable)
	assert.Equal(t, []string{"10.0.0.1"}, prober.sent)
	require.Len(t, sched.timers, 1)
	assert.Equal(t, 5*time.Second, sched.timers[0].d)
}

func TestTimeoutWithoutResponse(t *testing.T) {
	c, sched, prober, timeouts := setup()
	now := time.Now()
	c.StartRound([]models.Camera{cam1}, now, prober)
	sched.fireAll()

	require.Len(t, *timeouts, 1)
	assert.Equal(t, "10.0.0.1", (*timeouts)[0].Address)
	assert.Equal(t, now, (*timeouts)[0].RequestedAt)
	assert.NotContains(t, c.Responded(), "10.0.0.1")
}

func TestResponseBeforeDeadlineSuppressesTimeout(t *testing.T) {
	c, sched, prober, timeouts := setup()
	c.StartRound([]models.Camera{cam1}, time.Now(), prober)
	assert.True(t, c.MarkResponded("10.0.0.1"))
	assert.False(t, c.MarkResponded("10.0.0.1"))
	sched.fireAll()

	assert.Empty(t, *timeouts)
	assert.Equal(t, []string{"10.0.0.1"}, c.Responded())
}

func TestLateResponseIsNotAttributedToExpiredRound(t *testing.T) {
	c, sched, prober, timeouts := setup()
	c.StartRound([]models.Camera{cam1}, time.Now(), prober)
	sched.fireAll()
	require.Len(t, *timeouts, 1)

	assert.False(t, c.MarkResponded("10.0.0.1"))
	assert.Empty(t, c.Responded())
	assert.Len(t, *timeouts, 1)

	c.StartRound([]models.Camera{cam1}, time.Now(), prober)
	assert.True(t, c.MarkResponded("10.0.0.1"))
	assert.Equal(t, []string{"10.0.0.1"}, c.Responded())
	p, ok := c.Probe("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), p.Round)
}

func TestNewRoundClearsRespondedAndIgnoresStaleDeadline(t *testing.T) {
	c, sched, prober, timeouts := setup()
	c.StartRound([]models.Camera{cam1}, time.Now(), prober)
	c.MarkResponded("10.0.0.1")

	c.StartRound([]models.Camera{cam1}, time.Now(), prober)
	assert.Empty(t, c.Responded())
	assert.True(t, sched.timers[0].stopped)

	// round 1's deadline callback runs late; round 2's probe must survive it
	sched.timers[0].fired = true
	sched.timers[0].f()
	assert.Empty(t, *timeouts)
	assert.True(t, c.MarkResponded("10.0.0.1"))
}

func TestUnansweredProbeTimesOutAfterNextRoundStarts(t *testing.T) {
	c, sched, prober, timeouts := setup()
	first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c.StartRound([]models.Camera{cam1}, first, prober)
	c.StartRound([]models.Camera{cam1}, first.Add(2*time.Second), prober)
	assert.False(t, sched.timers[0].stopped)
	assert.Equal(t, 2, c.Pending())

	// the answer belongs to the current round
	assert.True(t, c.MarkResponded("10.0.0.1"))
	sched.fireAll()

	require.Len(t, *timeouts, 1)
	assert.Equal(t, uint64(1), (*timeouts)[0].Round)
	assert.Equal(t, first, (*timeouts)[0].RequestedAt)
	assert.Equal(t, []string{"10.0.0.1"}, c.Responded())
	assert.Equal(t, 0, c.Pending())
}

func TestForgetCancelsProbesOfEveryRound(t *testing.T) {
	c, sched, prober, timeouts := setup()
	c.StartRound([]models.Camera{cam1}, time.Now(), prober)
	c.StartRound([]models.Camera{cam1}, time.Now(), prober)
	c.Forget("10.0.0.1")
	assert.True(t, sched.timers[0].stopped)
	assert.True(t, sched.timers[1].stopped)
	sched.fireAll()
	assert.Empty(t, *timeouts)
	assert.Equal(t, 0, c.Pending())
}

func TestForgetCancelsProbe(t *testing.T) {
	c, sched, prober, timeouts := setup()
	c.StartRound([]models.Camera{cam1}, time.Now(), prober)
	c.Forget("10.0.0.1")
	assert.True(t, sched.timers[0].stopped)
	sched.fireAll()
	assert.Empty(t, *timeouts)
	_, ok := c.Probe("10.0.0.1")
	assert.False(t, ok)
}

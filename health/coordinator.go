// Package health runs the request/deadline/response liveness protocol
// against every camera.
package health

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vtpl1/safetynet/models"
)

// DefaultTimeout is how long a camera has to answer a probe
const DefaultTimeout = 5 * time.Second

// Scheduler runs f once after d. The returned function cancels it and
// reports whether it was still pending.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// Prober is the part of the connection supervisor a round needs
type Prober interface {
	IsConnected(address string) bool
	Send(address string, msg any) bool
}

// Probe is one outstanding status request
type Probe struct {
	Address     string
	CameraName  string
	Round       uint64
	RequestedAt time.Time
	Responded   bool
	Expired     bool

	stop func() bool
}

// Coordinator is owned by the engine goroutine. OnTimeout is called, on the
// goroutine the Scheduler runs callbacks on, for every probe whose deadline
// passed without an answer. Starting a round does not cancel the unanswered
// probes of earlier rounds; they still time out on their own deadline.
type Coordinator struct {
	OnTimeout func(Probe)

	timeout time.Duration
	sched   Scheduler
	round   uint64
	probes  map[probeKey]*Probe
}

type probeKey struct {
	address string
	round   uint64
}

func NewCoordinator(timeout time.Duration, sched Scheduler) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		timeout: timeout,
		sched:   sched,
		probes:  make(map[probeKey]*Probe),
	}
}

// StartRound probes every camera that has a live connection. Cameras
// without one are returned as unreachable and are not probed. Only probes
// of the new round can be answered from now on.
func (c *Coordinator) StartRound(cameras []models.Camera, now time.Time, prober Prober) (uint64, []models.Camera) {
	for k, p := range c.probes {
		if p.Responded || p.Expired {
			delete(c.probes, k)
		}
	}
	c.round++
	round := c.round

	var unreachable []models.Camera
	probed := 0
	for _, cam := range cameras {
		if !prober.IsConnected(cam.Address) || !prober.Send(cam.Address, models.NewStatusRequest()) {
			unreachable = append(unreachable, cam)
			continue
		}
		p := &Probe{Address: cam.Address, CameraName: cam.Name, Round: round, RequestedAt: now}
		key := probeKey{cam.Address, round}
		p.stop = c.sched.AfterFunc(c.timeout, func() { c.expire(key) })
		c.probes[key] = p
		probed++
	}
	log.Debug().Uint64("round", round).Int("probed", probed).Int("unreachable", len(unreachable)).Msg("Health check round started")
	return round, unreachable
}

// MarkResponded attributes a status update to the current round. It
// reports false when there is no pending probe for address, including
// when its deadline already passed.
func (c *Coordinator) MarkResponded(address string) bool {
	p, ok := c.probes[probeKey{address, c.round}]
	if !ok || p.Expired || p.Responded {
		return false
	}
	p.Responded = true
	if p.stop != nil {
		p.stop()
	}
	return true
}

func (c *Coordinator) expire(key probeKey) {
	p, ok := c.probes[key]
	if !ok || p.Responded || p.Expired {
		return
	}
	p.Expired = true
	if key.round != c.round {
		delete(c.probes, key)
	}
	log.Warn().Str("address", key.address).Uint64("round", key.round).Msg("Health check timed out")
	if c.OnTimeout != nil {
		c.OnTimeout(*p)
	}
}

// Forget cancels every probe of a removed camera
func (c *Coordinator) Forget(address string) {
	for k, p := range c.probes {
		if k.address != address {
			continue
		}
		if p.stop != nil {
			p.stop()
		}
		delete(c.probes, k)
	}
}

// Round is the number of the current round, 0 before the first one
func (c *Coordinator) Round() uint64 {
	return c.round
}

// Responded lists the addresses that answered in the current round
func (c *Coordinator) Responded() []string {
	out := make([]string, 0)
	for k, p := range c.probes {
		if k.round == c.round && p.Responded {
			out = append(out, k.address)
		}
	}
	sort.Strings(out)
	return out
}

// Probe returns the current round's probe for address
func (c *Coordinator) Probe(address string) (Probe, bool) {
	p, ok := c.probes[probeKey{address, c.round}]
	if !ok {
		return Probe{}, false
	}
	return *p, true
}

// Pending is the number of probes still waiting for an answer, across rounds
func (c *Coordinator) Pending() int {
	n := 0
	for _, p := range c.probes {
		if !p.Responded && !p.Expired {
			n++
		}
	}
	return n
}

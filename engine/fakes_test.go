package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/vtpl1/safetynet/conn"
	"github.com/vtpl1/safetynet/engine"
	"github.com/vtpl1/safetynet/models"
)

type sent struct {
	address string
	frame   string
}

type fakeTransport struct {
	mu        sync.Mutex
	connected map[string]bool
	failed    map[string]bool
	dialed    []string
	sent      []sent
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: make(map[string]bool), failed: make(map[string]bool)}
}

func (f *fakeTransport) EnsureConnected(cam models.Camera) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, cam.Address)
}

func (f *fakeTransport) Disconnect(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, address)
}

func (f *fakeTransport) Send(address string, msg any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[address] {
		return false
	}
	b, _ := json.Marshal(msg)
	f.sent = append(f.sent, sent{address, string(b)})
	return true
}

func (f *fakeTransport) IsConnected(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[address]
}

func (f *fakeTransport) Counts() map[conn.State]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[conn.State]int{conn.Connected: len(f.connected), conn.Failed: len(f.failed)}
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) setConnected(address string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if up {
		f.connected[address] = true
	} else {
		delete(f.connected, address)
	}
}

func (f *fakeTransport) setFailed(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, address)
	f.failed[address] = true
}

func (f *fakeTransport) frames(address string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.address == address {
			out = append(out, s.frame)
		}
	}
	return out
}

type fakePoller struct {
	mu           sync.Mutex
	detections   models.DetectionsResponse
	personCounts models.PersonCountsResponse
	err          error
	gate         chan struct{}
	forgotten    []string
}

func (f *fakePoller) Detections(cam models.Camera) (models.DetectionsResponse, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detections, f.err
}

func (f *fakePoller) PersonCounts(cam models.Camera) (models.PersonCountsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.personCounts, f.err
}

func (f *fakePoller) Forget(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, address)
}

type fetch struct {
	url  string
	done func([]byte, error)
}

type fakeImages struct {
	fetches chan fetch
}

func (f *fakeImages) FetchImage(url string, done func([]byte, error)) {
	f.fetches <- fetch{url, done}
}

// manualScheduler holds deadlines until the test fires them
type manualScheduler struct {
	mu      sync.Mutex
	pending []*timer
}

type timer struct {
	f       func()
	stopped bool
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &timer{f: f}
	s.pending = append(s.pending, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// fireAll must run on the engine goroutine
func (s *manualScheduler) fireAll() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, t := range pending {
		if !t.stopped {
			t.f()
		}
	}
}

// fakeHistory records persisted entries and fails with err when set
type fakeHistory struct {
	mu      sync.Mutex
	err     error
	written []models.LogEntry
}

func (f *fakeHistory) Write(entry models.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, entry)
	return nil
}

func (f *fakeHistory) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeHistory) entries() []models.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.LogEntry(nil), f.written...)
}

type harness struct {
	*engine.Engine
	transport *fakeTransport
	poller    *fakePoller
	images    *fakeImages
	history   *fakeHistory
	sched     *manualScheduler
	ctx       context.Context
	ids       int
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		transport: newFakeTransport(),
		poller:    &fakePoller{},
		images:    &fakeImages{fetches: make(chan fetch, 8)},
		history:   &fakeHistory{},
		sched:     &manualScheduler{},
		ctx:       context.Background(),
	}
	cfg := engine.DefaultConfig()
	cfg.PollInterval = 0
	cfg.HealthInterval = 0
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.Engine = engine.New(cfg, engine.Deps{
		Transport: h.transport,
		Poller:    h.poller,
		Images:    h.images,
		History:   h.history,
		Scheduler: h.sched,
		Now:       func() time.Time { return now },
		NewID: func() string {
			h.ids++
			return fmt.Sprintf("id-%d", h.ids)
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) add(t *testing.T, name, address string) models.Camera {
	t.Helper()
	cam := models.Camera{Name: name, Address: address}
	require.NoError(t, h.AddCamera(h.ctx, cam))
	return cam
}

// connect marks address connected and reports it the way the supervisor does
func (h *harness) connect(t *testing.T, address string) {
	t.Helper()
	require.NoError(t, h.Do(h.ctx, func() {
		h.transport.setConnected(address, true)
		h.OnConnected(address)
	}))
}

func (h *harness) push(t *testing.T, address, frame string) {
	t.Helper()
	require.NoError(t, h.Do(h.ctx, func() { h.OnMessage(address, []byte(frame)) }))
}

func (h *harness) logs(t *testing.T) []models.LogEntry {
	t.Helper()
	entries, err := h.Logs(h.ctx)
	require.NoError(t, err)
	return entries
}

func detectionFrame(persons, helmets, vests int, image, ts string) string {
	return fmt.Sprintf(`{"type":"new_detection","data":{"person_count":%d,"helmet_count":%d,"safety_vest_count":%d,"avg_confidence":0.9,"image_path":%q,"timestamp":%q}}`,
		persons, helmets, vests, image, ts)
}

func nextEvent(t *testing.T, ch <-chan engine.Event) engine.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return engine.Event{}
	}
}

// nextNotification skips log events
func nextNotification(t *testing.T, ch <-chan engine.Event) models.Notification {
	t.Helper()
	for {
		ev := nextEvent(t, ch)
		if ev.Notification != nil {
			return *ev.Notification
		}
	}
}

package engine

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/vtpl1/safetynet/conn"
	"github.com/vtpl1/safetynet/health"
	"github.com/vtpl1/safetynet/ingest"
	"github.com/vtpl1/safetynet/mode"
	"github.com/vtpl1/safetynet/models"
	"github.com/vtpl1/safetynet/registry"
)

// Everything in this file runs on the engine goroutine.

var systemCamera = models.Camera{Name: models.SystemCamera}

func (e *Engine) registryChanged(c registry.Change) {
	addr := c.Camera.Address
	switch c.Kind {
	case registry.Added:
		e.generation++
		e.generations[addr] = e.generation
		e.transport.EnsureConnected(c.Camera)
	case registry.Removed:
		delete(e.generations, addr)
		delete(e.polling, addr)
		delete(e.warned, addr)
		e.transport.Disconnect(addr)
		e.pipeline.Forget(c.Camera)
		e.health.Forget(addr)
		e.escalation.Forget(addr)
		e.modes.Forget(addr)
		e.poller.Forget(addr)
	}
	if t, changed := e.modes.Reconcile(e.registry.List()); changed {
		e.transitioned(t)
	}
	e.metrics.setConnections(e.transport.Counts())
}

func (e *Engine) transitioned(t mode.Transition) {
	if t.To == models.ModeNone {
		return
	}
	details := fmt.Sprintf("delivered %d, dropped %d", len(t.Delivered), len(t.Dropped))
	e.book.Append(e.pipeline.NewEntry(systemCamera, 0, models.FunctionSystem, mode.EnabledText(t.To), "", details))
}

// OnConnected implements conn.Handler. The active mode is sent to cameras
// that have not received it yet.
func (e *Engine) OnConnected(address string) {
	if cam, _, ok := e.registry.Lookup(address); ok {
		e.modes.Sync(cam)
	}
	e.metrics.setConnections(e.transport.Counts())
}

// OnDisconnected implements conn.Handler
func (e *Engine) OnDisconnected(address string, err error) {
	e.modes.Disconnected(address)
	e.metrics.setConnections(e.transport.Counts())
}

// OnStateChange implements conn.Handler
func (e *Engine) OnStateChange(address string, state conn.State) {
	e.metrics.setConnections(e.transport.Counts())
}

// OnMessage implements conn.Handler
func (e *Engine) OnMessage(address string, frame []byte) {
	cam, _, ok := e.registry.Lookup(address)
	if !ok {
		return
	}
	msg, err := models.DecodeMessage(frame)
	if err != nil {
		log.Debug().Err(err).Str("camera", cam.Name).Msg("Discarding frame")
		return
	}
	e.apply(cam, e.pipeline.Ingest(cam, e.registry.Zone(address), msg))
}

func (e *Engine) apply(cam models.Camera, res ingest.Result) {
	if res.HealthResponse {
		e.health.MarkResponded(cam.Address)
	}
	for _, entry := range res.Entries {
		e.book.Append(entry)
	}
	for _, o := range res.PPE {
		if e.escalation.Observe(cam.Address, o.Violation != ingest.NoViolation) {
			e.escalate(cam, o)
		}
	}
	if res.Ack != nil {
		if err := e.modes.HandleAck(cam.Address, *res.Ack); err != nil {
			e.warn(cam, err)
		}
	}
	if res.Unknown != "" {
		log.Debug().Str("camera", cam.Name).Str("type", res.Unknown).Msg("Ignoring unknown message type")
	}
}

func (e *Engine) escalate(cam models.Camera, o ingest.PPEOutcome) {
	text := e.escalation.Text(cam.Name, o.Violation.String())
	e.book.Append(e.pipeline.NewEntry(cam, e.registry.Zone(cam.Address), models.FunctionEscalation, text, o.Detection.ImagePath, ""))
	e.metrics.Escalations.Inc()

	n := models.Notification{
		ID:            e.pipeline.NewID(),
		Kind:          models.NotificationEscalation,
		CameraName:    cam.Name,
		CameraAddress: cam.Address,
		Text:          text,
		ImageURL:      models.ImageURL(cam.Address, o.Detection.ImagePath),
		CreatedAt:     e.now(),
	}
	log.Warn().Str("camera", cam.Name).Str("violation", o.Violation.String()).Msg("PPE violation escalated")
	e.publish(Event{Notification: &n})

	if n.ImageURL == "" || e.images == nil {
		return
	}
	gen := e.generations[cam.Address]
	e.images.FetchImage(n.ImageURL, func(img []byte, err error) {
		e.Post(func() {
			if e.generations[cam.Address] != gen {
				return
			}
			updated := n
			if err != nil {
				log.Warn().Err(err).Str("camera", cam.Name).Str("url", n.ImageURL).Msg("Failed to fetch escalation image")
				updated.ImageError = err.Error()
			} else {
				updated.Image = img
			}
			e.publish(Event{Notification: &updated})
		})
	})
}

// warn publishes a warning notification for a camera, at most once per
// cooldown.
func (e *Engine) warn(cam models.Camera, err error) {
	now := e.now()
	if last, ok := e.warned[cam.Address]; ok && now.Sub(last) < e.cfg.WarningCooldown {
		return
	}
	e.warned[cam.Address] = now
	n := models.Notification{
		ID:            e.pipeline.NewID(),
		Kind:          models.NotificationWarning,
		CameraName:    cam.Name,
		CameraAddress: cam.Address,
		Text:          err.Error(),
		CreatedAt:     now,
	}
	e.publish(Event{Notification: &n})
}

func (e *Engine) startHealthRound() uint64 {
	round, unreachable := e.health.StartRound(e.registry.List(), e.now(), e.commands)
	for _, cam := range unreachable {
		e.book.Append(e.pipeline.NewEntry(cam, e.registry.Zone(cam.Address), models.FunctionHealth, "No connection", "", ""))
	}
	return round
}

func (e *Engine) healthTimeout(p health.Probe) {
	cam, _, ok := e.registry.Lookup(p.Address)
	if !ok {
		return
	}
	e.metrics.HealthTimeouts.Inc()
	details := fmt.Sprintf("requested at %s", p.RequestedAt.Format("15:04:05"))
	e.book.Append(e.pipeline.NewEntry(cam, e.registry.Zone(cam.Address), models.FunctionHealth, "No response", "", details))
}

type pollResult struct {
	detections   models.DetectionsResponse
	detErr       error
	personCounts models.PersonCountsResponse
	countErr     error
}

// pollAll starts one poll per camera that has none in flight
func (e *Engine) pollAll() {
	for _, cam := range e.registry.List() {
		if e.polling[cam.Address] {
			continue
		}
		e.polling[cam.Address] = true
		gen := e.generations[cam.Address]
		go func(cam models.Camera) {
			var r pollResult
			r.detections, r.detErr = e.poller.Detections(cam)
			r.personCounts, r.countErr = e.poller.PersonCounts(cam)
			e.Post(func() { e.polled(cam, gen, r) })
		}(cam)
	}
}

func (e *Engine) polled(cam models.Camera, gen uint64, r pollResult) {
	if e.generations[cam.Address] != gen {
		return
	}
	delete(e.polling, cam.Address)
	zone := e.registry.Zone(cam.Address)

	if r.detErr != nil {
		log.Debug().Err(r.detErr).Str("camera", cam.Name).Msg("Detections poll failed")
	} else {
		res, err := e.pipeline.IngestDetections(cam, zone, r.detections)
		e.pollIngested(cam, res, err)
	}
	if r.countErr != nil {
		log.Debug().Err(r.countErr).Str("camera", cam.Name).Msg("Person counts poll failed")
	} else {
		res, err := e.pipeline.IngestPersonCounts(cam, zone, r.personCounts)
		e.pollIngested(cam, res, err)
	}
}

func (e *Engine) pollIngested(cam models.Camera, res ingest.Result, err error) {
	if errors.Is(err, ingest.ErrPollRejected) {
		log.Warn().Err(err).Str("camera", cam.Name).Msg("Poll rejected by camera")
		e.warn(cam, err)
		return
	}
	e.apply(cam, res)
}

// logged is called by the LogBook for every new entry
func (e *Engine) logged(entry models.LogEntry) {
	e.metrics.LogEntries.WithLabelValues(string(entry.Function)).Inc()
	if e.history != nil {
		if err := e.history.Write(entry); err != nil {
			log.Debug().Err(err).Str("id", entry.ID).Msg("Log entry not persisted")
		}
	}
	e.publish(Event{Log: &entry})
}

// Package ingest turns camera push frames and poll responses into log entries.
package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vtpl1/safetynet/models"
)

// ErrPollRejected is returned for poll responses whose status is not success
var ErrPollRejected = errors.New("poll response rejected")

// PPEOutcome is reported for every accepted PPE detection, violation or not
type PPEOutcome struct {
	Violation Violation
	Detection models.Detection
}

// Result is what one push frame or one poll response produced. Entries are
// in processing order; the caller prepends them to the LogBook one by one.
type Result struct {
	Entries        []models.LogEntry
	PPE            []PPEOutcome
	HealthResponse bool
	Ack            *models.ModeChangeAck
	Unknown        string
}

// Pipeline holds the per-camera ingestion state: dedup keys, poll
// high-water marks and the last anomaly status. It is owned by the engine
// goroutine.
type Pipeline struct {
	Now   func() time.Time
	NewID func() string

	ceiling       int
	evictFraction float64
	dedup         map[models.Function]*KeySet
	highWater     map[string]map[models.Function]string
	anomaly       map[string]string
}

func NewPipeline(dedupCeiling int) *Pipeline {
	return &Pipeline{
		Now:           time.Now,
		NewID:         uuid.NewString,
		ceiling:       dedupCeiling,
		evictFraction: 0.2,
		dedup:         make(map[models.Function]*KeySet),
		highWater:     make(map[string]map[models.Function]string),
		anomaly:       make(map[string]string),
	}
}

// NewEntry stamps a log entry with the current date, time and a fresh id
func (p *Pipeline) NewEntry(cam models.Camera, zone int, fn models.Function, event, imagePath, details string) models.LogEntry {
	now := p.Now()
	return models.LogEntry{
		ID:            p.NewID(),
		CameraName:    cam.Name,
		Function:      fn,
		Event:         event,
		ImagePath:     imagePath,
		Details:       details,
		Date:          now.Format("2006-01-02"),
		Time:          now.Format("15:04:05"),
		Zone:          zone,
		CameraAddress: cam.Address,
		CreatedAt:     now,
	}
}

// Ingest handles one decoded push frame
func (p *Pipeline) Ingest(cam models.Camera, zone int, msg models.Message) Result {
	var res Result
	switch m := msg.(type) {
	case models.Detection:
		p.detection(cam, zone, m, &res)
	case models.BlurEvent:
		p.blur(cam, zone, m.CountEvent, &res)
	case models.TrespassEvent:
		p.counted(cam, zone, models.FunctionTrespass, "Intrusion detected", m.CountEvent, &res)
	case models.FallEvent:
		p.counted(cam, zone, models.FunctionFall, "Fall detected", m.CountEvent, &res)
	case models.AnomalyStatus:
		p.anomalyStatus(cam, zone, m, &res)
	case models.STMStatus:
		res.HealthResponse = true
		res.Entries = append(res.Entries, p.NewEntry(cam, zone, models.FunctionHealth, "Status received", "", describeSTM(m)))
	case models.ModeChangeAck:
		ack := m
		res.Ack = &ack
	case models.Unknown:
		res.Unknown = m.Discriminator
	default:
		res.Unknown = string(msg.Type())
	}
	return res
}

// IngestDetections handles a detections poll response
func (p *Pipeline) IngestDetections(cam models.Camera, zone int, resp models.DetectionsResponse) (Result, error) {
	var res Result
	if resp.Status != models.PollStatusSuccess {
		return res, fmt.Errorf("%w: status %q", ErrPollRejected, resp.Status)
	}
	mark := p.mark(cam.Address, models.FunctionPPE)
	newest := mark
	for _, d := range resp.Detections {
		if d.Timestamp <= mark {
			continue
		}
		if d.Timestamp > newest {
			newest = d.Timestamp
		}
		p.detection(cam, zone, d, &res)
	}
	p.setMark(cam.Address, models.FunctionPPE, newest)
	return res, nil
}

// IngestPersonCounts handles a person counts (blur) poll response. Only the
// first new non-zero count of a response produces an entry.
func (p *Pipeline) IngestPersonCounts(cam models.Camera, zone int, resp models.PersonCountsResponse) (Result, error) {
	var res Result
	if resp.Status != models.PollStatusSuccess {
		return res, fmt.Errorf("%w: status %q", ErrPollRejected, resp.Status)
	}
	mark := p.mark(cam.Address, models.FunctionBlur)
	newest := mark
	for _, c := range resp.PersonCounts {
		if c.Timestamp <= mark {
			continue
		}
		if c.Timestamp > newest {
			newest = c.Timestamp
		}
		if len(res.Entries) == 0 {
			p.blur(cam, zone, c, &res)
		}
	}
	p.setMark(cam.Address, models.FunctionBlur, newest)
	return res, nil
}

// Forget drops all state kept for a removed camera
func (p *Pipeline) Forget(cam models.Camera) {
	delete(p.highWater, cam.Address)
	delete(p.anomaly, cam.Address)
	for _, keys := range p.dedup {
		keys.Remove(cam.Address)
	}
}

// HighWaterMark returns the newest poll timestamp seen for a camera and category
func (p *Pipeline) HighWaterMark(address string, fn models.Function) string {
	return p.mark(address, fn)
}

func (p *Pipeline) detection(cam models.Camera, zone int, d models.Detection, res *Result) {
	if !p.firstSeen(models.FunctionPPE, cam, d.Timestamp) {
		return
	}
	v := ClassifyPPE(d.PersonCount, d.HelmetCount, d.SafetyVestCount)
	res.PPE = append(res.PPE, PPEOutcome{Violation: v, Detection: d})
	if v == NoViolation {
		return
	}
	details := fmt.Sprintf("persons %d, helmets %d, vests %d, confidence %.2f, at %s",
		d.PersonCount, d.HelmetCount, d.SafetyVestCount, d.AvgConfidence, d.Timestamp)
	res.Entries = append(res.Entries, p.NewEntry(cam, zone, models.FunctionPPE, v.String(), d.ImagePath, details))
}

func (p *Pipeline) blur(cam models.Camera, zone int, c models.CountEvent, res *Result) {
	if c.Count <= 0 {
		return
	}
	if !p.firstSeen(models.FunctionBlur, cam, c.Timestamp) {
		return
	}
	res.Entries = append(res.Entries, p.NewEntry(cam, zone, models.FunctionBlur,
		fmt.Sprintf("Blurred %d person(s)", c.Count), "", "at "+c.Timestamp))
}

func (p *Pipeline) counted(cam models.Camera, zone int, fn models.Function, event string, c models.CountEvent, res *Result) {
	if c.Count <= 0 {
		return
	}
	if !p.firstSeen(fn, cam, c.Timestamp) {
		return
	}
	res.Entries = append(res.Entries, p.NewEntry(cam, zone, fn, event, "",
		fmt.Sprintf("count %d, at %s", c.Count, c.Timestamp)))
}

func (p *Pipeline) anomalyStatus(cam models.Camera, zone int, a models.AnomalyStatus, res *Result) {
	prev := p.anomaly[cam.Address]
	p.anomaly[cam.Address] = a.Status
	switch {
	case a.Status == models.AnomalyDetected && prev != models.AnomalyDetected:
		res.Entries = append(res.Entries, p.NewEntry(cam, zone, models.FunctionAnomaly, "Sound anomaly detected", "", "at "+a.Timestamp))
	case a.Status != models.AnomalyDetected && prev == models.AnomalyDetected:
		res.Entries = append(res.Entries, p.NewEntry(cam, zone, models.FunctionAnomaly, "Sound anomaly cleared", "", "at "+a.Timestamp))
	}
}

// firstSeen records the dedup key of an event. Events without a timestamp
// cannot be keyed and always pass.
func (p *Pipeline) firstSeen(fn models.Function, cam models.Camera, timestamp string) bool {
	if timestamp == "" {
		return true
	}
	keys, ok := p.dedup[fn]
	if !ok {
		keys = NewKeySet(p.ceiling, p.evictFraction)
		p.dedup[fn] = keys
	}
	return keys.Add(cam.Address, DedupKey(cam.Name, timestamp))
}

// DedupKey identifies one underlying detection of a camera
func DedupKey(cameraName, timestamp string) string {
	return cameraName + "_" + timestamp
}

func (p *Pipeline) mark(address string, fn models.Function) string {
	return p.highWater[address][fn]
}

func (p *Pipeline) setMark(address string, fn models.Function, ts string) {
	if ts == "" {
		return
	}
	marks, ok := p.highWater[address]
	if !ok {
		marks = make(map[models.Function]string)
		p.highWater[address] = marks
	}
	marks[fn] = ts
}

func describeSTM(s models.STMStatus) string {
	return fmt.Sprintf("temperature %.1f, light %.0f, buzzer %s, led %s",
		s.Temperature, s.Light, onOff(s.BuzzerOn), onOff(s.LedOn))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

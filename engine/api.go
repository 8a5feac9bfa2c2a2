package engine

import (
	"context"
	"fmt"

	"github.com/vtpl1/safetynet/models"
	"github.com/vtpl1/safetynet/registry"
)

// The methods in this file are safe for concurrent use. Each one runs on
// the engine goroutine and returns ErrStopped once the engine is gone.

func (e *Engine) Cameras(ctx context.Context) ([]models.Camera, error) {
	var cams []models.Camera
	err := e.Do(ctx, func() { cams = e.registry.List() })
	return cams, err
}

// AddCamera registers a camera and starts connecting to it
func (e *Engine) AddCamera(ctx context.Context, cam models.Camera) error {
	return e.call(ctx, func() error { return e.registry.Add(cam) })
}

// RemoveCamera unregisters the camera at index and cancels all its work
func (e *Engine) RemoveCamera(ctx context.Context, index int) (models.Camera, error) {
	var cam models.Camera
	err := e.call(ctx, func() error {
		var err error
		cam, err = e.registry.Remove(index)
		return err
	})
	return cam, err
}

// StreamURL returns the stream of the camera at index for the active mode
func (e *Engine) StreamURL(ctx context.Context, index int) (string, error) {
	var url string
	err := e.call(ctx, func() error {
		cams := e.registry.List()
		if index < 0 || index >= len(cams) {
			return fmt.Errorf("%w: %d", registry.ErrIndexOutOfRange, index)
		}
		url = cams[index].StreamURL(e.modes.Active())
		return nil
	})
	return url, err
}

func (e *Engine) Mode(ctx context.Context) (models.ModeState, error) {
	var state models.ModeState
	err := e.Do(ctx, func() { state = e.modes.State() })
	return state, err
}

// SelectMode makes m the active mode and sends it to every camera
func (e *Engine) SelectMode(ctx context.Context, m models.OperatingMode) error {
	return e.call(ctx, func() error {
		t, err := e.modes.Select(m, e.registry.List())
		if err != nil {
			return err
		}
		e.transitioned(t)
		return nil
	})
}

// DeselectMode switches m off, falling back to Raw when m was active
func (e *Engine) DeselectMode(ctx context.Context, m models.OperatingMode) error {
	return e.Do(ctx, func() {
		if t, changed := e.modes.Deselect(m, e.registry.List()); changed {
			e.transitioned(t)
		}
	})
}

// Logs returns the visible log window, newest first
func (e *Engine) Logs(ctx context.Context) ([]models.LogEntry, error) {
	var entries []models.LogEntry
	err := e.Do(ctx, func() { entries = e.book.Visible() })
	return entries, err
}

// History returns up to limit entries of the in-memory history, newest first
func (e *Engine) History(ctx context.Context, limit int, camera string) ([]models.LogEntry, error) {
	var entries []models.LogEntry
	err := e.Do(ctx, func() { entries = e.book.History(limit, camera) })
	return entries, err
}

// FindLog looks an entry up in the in-memory history
func (e *Engine) FindLog(ctx context.Context, id string) (models.LogEntry, bool, error) {
	var (
		entry models.LogEntry
		found bool
	)
	err := e.Do(ctx, func() { entry, found = e.book.Find(id) })
	return entry, found, err
}

// CheckHealth starts a health round now and returns its number
func (e *Engine) CheckHealth(ctx context.Context) (uint64, error) {
	var round uint64
	err := e.Do(ctx, func() { round = e.startHealthRound() })
	return round, err
}

// Responded lists the cameras that answered in the current health round
func (e *Engine) Responded(ctx context.Context) ([]string, error) {
	var out []string
	err := e.Do(ctx, func() { out = e.health.Responded() })
	return out, err
}

// Poll starts a poll of every camera now
func (e *Engine) Poll(ctx context.Context) error {
	return e.Do(ctx, e.pollAll)
}

func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

package ingest

import (
	"github.com/vtpl1/safetynet/models"
)

// LogBook is the canonical event log. The visible window holds the newest
// entries first; history keeps up to historyLimit entries for full-history
// queries and drops the oldest beyond that.
type LogBook struct {
	visibleSize  int
	historyLimit int
	visible      []models.LogEntry
	history      []models.LogEntry
	subscribers  []func(models.LogEntry)
}

func NewLogBook(visibleSize, historyLimit int) *LogBook {
	if visibleSize <= 0 {
		visibleSize = 20
	}
	if historyLimit < visibleSize {
		historyLimit = visibleSize
	}
	return &LogBook{visibleSize: visibleSize, historyLimit: historyLimit}
}

// Subscribe registers fn to receive every appended entry
func (b *LogBook) Subscribe(fn func(models.LogEntry)) {
	b.subscribers = append(b.subscribers, fn)
}

// Append prepends entry to the visible window and records it in history
func (b *LogBook) Append(entry models.LogEntry) {
	b.visible = append(b.visible, models.LogEntry{})
	copy(b.visible[1:], b.visible)
	b.visible[0] = entry
	if len(b.visible) > b.visibleSize {
		b.visible = b.visible[:b.visibleSize]
	}

	b.history = append(b.history, entry)
	if over := len(b.history) - b.historyLimit; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}

	for _, fn := range b.subscribers {
		fn(entry)
	}
}

// Visible returns the live window, newest first
func (b *LogBook) Visible() []models.LogEntry {
	out := make([]models.LogEntry, len(b.visible))
	copy(out, b.visible)
	return out
}

// History returns up to limit entries, newest first. A non-empty camera
// restricts the result to entries of that camera name.
func (b *LogBook) History(limit int, camera string) []models.LogEntry {
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]models.LogEntry, 0, limit)
	for i := len(b.history) - 1; i >= 0 && len(out) < limit; i-- {
		if camera != "" && b.history[i].CameraName != camera {
			continue
		}
		out = append(out, b.history[i])
	}
	return out
}

// Find looks an entry up by id
func (b *LogBook) Find(id string) (models.LogEntry, bool) {
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].ID == id {
			return b.history[i], true
		}
	}
	return models.LogEntry{}, false
}

func (b *LogBook) Len() int {
	return len(b.history)
}

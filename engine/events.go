package engine

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/vtpl1/safetynet/models"
)

// Event is pushed to subscribers. Exactly one field is set.
type Event struct {
	Log          *models.LogEntry     `json:"log,omitempty"`
	Notification *models.Notification `json:"notification,omitempty"`
}

// Subscribe returns a channel of every new log entry and notification. The
// channel is closed by cancel or when the engine stops. A subscriber that
// does not keep up misses events.
func (e *Engine) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ch := make(chan Event, e.cfg.SubscriberBuffer)
	var id int
	if err := e.Do(ctx, func() {
		e.nextSub++
		id = e.nextSub
		e.subscribers[id] = ch
	}); err != nil {
		return nil, nil, err
	}
	cancel := func() {
		e.Post(func() {
			if sub, ok := e.subscribers[id]; ok {
				close(sub)
				delete(e.subscribers, id)
			}
		})
	}
	return ch, cancel, nil
}

func (e *Engine) publish(ev Event) {
	for id, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			log.Warn().Int("subscriber", id).Msg("Subscriber too slow, event dropped")
		}
	}
}

package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog/log"
	"github.com/vtpl1/safetynet/models"
)

const (
	commandSetMode     = "set_mode"
	commandClearMode   = "clear_mode"
	commandHealthCheck = "health_check"
)

// EventsWSHandler streams log entries and notifications to the client and
// executes the commands it sends.
func (h *Handler) EventsWSHandler(ctx context.Context, c *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var socketMutex sync.Mutex

	events, unsubscribe, err := h.engine.Subscribe(ctx)
	if err != nil {
		writeErrorResponse(c, &socketMutex, err)
		return
	}
	logger := log.With().Str("remote", c.RemoteAddr().String()).Logger()
	logger.Info().Msg("Event subscriber connected")

	written := make(chan struct{})
	go func() {
		defer close(written)
		for ev := range events {
			var err error
			switch {
			case ev.Log != nil:
				err = writeResponse(c, &socketMutex, "log", ev.Log)
			case ev.Notification != nil:
				err = writeResponse(c, &socketMutex, "notification", ev.Notification)
			}
			if err != nil {
				logger.Debug().Err(err).Msg("Event write failed")
				cancel()
			}
		}
	}()

	for {
		var cmd models.Command
		if err := c.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Error().Err(err).Msg("Failed to read websocket command")
			}
			break
		}
		if ctx.Err() != nil {
			break
		}
		h.runCommand(ctx, c, &socketMutex, cmd)
	}

	// the connection is reused once the handler returns
	unsubscribe()
	<-written
	logger.Info().Msg("Event subscriber disconnected")
}

func (h *Handler) runCommand(ctx context.Context, c *websocket.Conn, socketMutex *sync.Mutex, cmd models.Command) {
	status := CommandStatus{CommandID: cmd.CommandID, Command: cmd.Command, Status: "done"}
	var err error
	switch cmd.Command {
	case commandSetMode, commandClearMode:
		var m models.OperatingMode
		if m, err = models.ParseMode(cmd.Mode); err != nil {
			break
		}
		if cmd.Command == commandSetMode {
			err = h.engine.SelectMode(ctx, m)
		} else {
			err = h.engine.DeselectMode(ctx, m)
		}
	case commandHealthCheck:
		status.Round, err = h.engine.CheckHealth(ctx)
	default:
		err = fmt.Errorf("%w: %q", errInvalidCommand, cmd.Command)
	}
	if err != nil {
		log.Warn().Err(err).Str("commandId", cmd.CommandID).Msg("Command failed")
		writeErrorResponse(c, socketMutex, fmt.Errorf("command %s: %w", cmd.CommandID, err))
		return
	}
	_ = writeResponse(c, socketMutex, "status", status)
}

package api

import (
	"errors"
	"strconv"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/vtpl1/safetynet/engine"
	"github.com/vtpl1/safetynet/mode"
	"github.com/vtpl1/safetynet/models"
	"github.com/vtpl1/safetynet/registry"
)

var (
	errInvalidIndex   = errors.New("invalid index")
	errInvalidLimit   = errors.New("invalid limit")
	errInvalidCommand = errors.New("invalid command")
	errNotFound       = errors.New("log entry not found")
	errNoImage        = errors.New("log entry has no image")
)

func parseIndex(c *fiber.Ctx) (int, error) {
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil {
		return 0, errInvalidIndex
	}
	return index, nil
}

func parseMode(c *fiber.Ctx) (models.OperatingMode, error) {
	return models.ParseMode(c.Params("mode"))
}

func parseLimit(c *fiber.Ctx) (int, error) {
	s := c.Query("limit")
	if s == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(s)
	if err != nil || limit < 0 {
		return 0, errInvalidLimit
	}
	return limit, nil
}

// statusOf maps domain errors onto http status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, registry.ErrIndexOutOfRange), errors.Is(err, errNotFound), errors.Is(err, errNoImage):
		return fiber.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateName), errors.Is(err, registry.ErrDuplicateAddress),
		errors.Is(err, mode.ErrNoCameras):
		return fiber.StatusConflict
	case errors.Is(err, registry.ErrInvalidCamera), errors.Is(err, registry.ErrInvalidPort),
		errors.Is(err, models.ErrUnknownMode), errors.Is(err, mode.ErrInvalidMode),
		errors.Is(err, errInvalidIndex), errors.Is(err, errInvalidLimit):
		return fiber.StatusBadRequest
	case errors.Is(err, engine.ErrStopped):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func sendResult(c *fiber.Ctx, result any) error {
	return c.JSON(models.NewResponse(result))
}

func sendError(c *fiber.Ctx, err error) error {
	status := statusOf(err)
	return c.Status(status).JSON(models.NewErrorResponse(status, err))
}

func writeErrorResponse(c *websocket.Conn, socketMutex *sync.Mutex, err error) {
	socketMutex.Lock()
	_ = c.WriteJSON(fiber.Map{"error": err.Error()})
	socketMutex.Unlock()
}

func writeResponse(c *websocket.Conn, socketMutex *sync.Mutex, msgKey string, msg interface{}) error {
	socketMutex.Lock()
	err := c.WriteJSON(fiber.Map{msgKey: msg})
	socketMutex.Unlock()
	return err
}

// Package api exposes the engine to the operator UI over http and websocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/vtpl1/safetynet/engine"
	"github.com/vtpl1/safetynet/models"
)

// Engine is the part of engine.Engine the handlers use
type Engine interface {
	Cameras(ctx context.Context) ([]models.Camera, error)
	AddCamera(ctx context.Context, cam models.Camera) error
	RemoveCamera(ctx context.Context, index int) (models.Camera, error)
	StreamURL(ctx context.Context, index int) (string, error)
	Mode(ctx context.Context) (models.ModeState, error)
	SelectMode(ctx context.Context, m models.OperatingMode) error
	DeselectMode(ctx context.Context, m models.OperatingMode) error
	Logs(ctx context.Context) ([]models.LogEntry, error)
	History(ctx context.Context, limit int, camera string) ([]models.LogEntry, error)
	FindLog(ctx context.Context, id string) (models.LogEntry, bool, error)
	CheckHealth(ctx context.Context) (uint64, error)
	Responded(ctx context.Context) ([]string, error)
	Subscribe(ctx context.Context) (<-chan engine.Event, func(), error)
}

// HistoryReader serves the full log history, see db.HistoryStore
type HistoryReader interface {
	History(ctx context.Context, limit int, camera string) ([]models.LogEntry, error)
}

// ImageGetter downloads camera images, see cache.Fetcher
type ImageGetter interface {
	Get(url string) ([]byte, error)
}

type Handler struct {
	engine  Engine
	history HistoryReader
	images  ImageGetter
	timeout time.Duration
}

// NewHandler creates the handlers. A nil history serves the in-memory
// history of the engine.
func NewHandler(e Engine, history HistoryReader, images ImageGetter) *Handler {
	return &Handler{engine: e, history: history, images: images, timeout: 5 * time.Second}
}

// Register mounts every route on app
func (h *Handler) Register(app *fiber.App, gatherer prometheus.Gatherer) {
	app.Get("/cameras", h.ListCameras)
	app.Post("/cameras", h.AddCamera)
	app.Delete("/cameras/:index", h.RemoveCamera)
	app.Get("/cameras/:index/stream", h.StreamURL)

	app.Get("/mode", h.GetMode)
	app.Put("/mode/:mode", h.SelectMode)
	app.Delete("/mode/:mode", h.DeselectMode)

	app.Get("/logs", h.Logs)
	app.Get("/logs/history", h.History)
	app.Get("/logs/:id/image", h.Image)
	app.Get("/logs/:id/image-url", h.ImageURL)

	app.Post("/health/check", h.CheckHealth)
	app.Get("/health/responded", h.Responded)

	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(func(c *websocket.Conn) {
		h.EventsWSHandler(context.Background(), c)
	}))
}

func (h *Handler) ctx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), h.timeout)
}

func (h *Handler) ListCameras(c *fiber.Ctx) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	cams, err := h.engine.Cameras(ctx)
	if err != nil {
		return sendError(c, err)
	}
	return sendResult(c, cams)
}

func (h *Handler) AddCamera(c *fiber.Ctx) error {
	var req CameraRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.NewErrorResponse(fiber.StatusBadRequest, err))
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.engine.AddCamera(ctx, req.Camera()); err != nil {
		log.Warn().Err(err).Str("camera", req.Name).Msg("Camera not added")
		return sendError(c, err)
	}
	c.Status(fiber.StatusCreated)
	return sendResult(c, req.Camera())
}

func (h *Handler) RemoveCamera(c *fiber.Ctx) error {
	index, err := parseIndex(c)
	if err != nil {
		return sendError(c, err)
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	cam, err := h.engine.RemoveCamera(ctx, index)
	if err != nil {
		return sendError(c, err)
	}
	return sendResult(c, cam)
}

func (h *Handler) StreamURL(c *fiber.Ctx) error {
	index, err := parseIndex(c)
	if err != nil {
		return sendError(c, err)
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	url, err := h.engine.StreamURL(ctx, index)
	if err != nil {
		return sendError(c, err)
	}
	return sendResult(c, URLResult{URL: url})
}

func (h *Handler) GetMode(c *fiber.Ctx) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	state, err := h.engine.Mode(ctx)
	if err != nil {
		return sendError(c, err)
	}
	return sendResult(c, state)
}

func (h *Handler) SelectMode(c *fiber.Ctx) error {
	return h.changeMode(c, h.engine.SelectMode)
}

func (h *Handler) DeselectMode(c *fiber.Ctx) error {
	return h.changeMode(c, h.engine.DeselectMode)
}

func (h *Handler) changeMode(c *fiber.Ctx, change func(context.Context, models.OperatingMode) error) error {
	m, err := parseMode(c)
	if err != nil {
		return sendError(c, err)
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := change(ctx, m); err != nil {
		return sendError(c, err)
	}
	state, err := h.engine.Mode(ctx)
	if err != nil {
		return sendError(c, err)
	}
	return sendResult(c, state)
}

func (h *Handler) Logs(c *fiber.Ctx) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	entries, err := h.engine.Logs(ctx)
	if err != nil {
		return sendError(c, err)
	}
	return sendResult(c, entries)
}

func (h *Handler) History(c *fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return sendError(c, err)
	}
	camera := c.Query("camera")
	ctx, cancel := h.ctx(c)
	defer cancel()

	var entries []models.LogEntry
	if h.history != nil {
		entries, err = h.history.History(ctx, limit, camera)
	} else {
		entries, err = h.engine.History(ctx, limit, camera)
	}
	if err != nil {
		log.Error().Err(err).Msg("Error querying log history")
		return sendError(c, err)
	}
	return sendResult(c, entries)
}

func (h *Handler) imageURL(c *fiber.Ctx) (string, error) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	entry, found, err := h.engine.FindLog(ctx, c.Params("id"))
	if err != nil {
		return "", err
	}
	if !found {
		return "", errNotFound
	}
	url := models.ImageURL(entry.CameraAddress, entry.ImagePath)
	if url == "" || entry.CameraAddress == "" {
		return "", errNoImage
	}
	return url, nil
}

func (h *Handler) ImageURL(c *fiber.Ctx) error {
	url, err := h.imageURL(c)
	if err != nil {
		return sendError(c, err)
	}
	return sendResult(c, URLResult{URL: url})
}

// Image proxies the image of a log entry
func (h *Handler) Image(c *fiber.Ctx) error {
	url, err := h.imageURL(c)
	if err != nil {
		return sendError(c, err)
	}
	img, err := h.images.Get(url)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("Image fetch failed")
		return c.Status(fiber.StatusBadGateway).JSON(models.NewErrorResponse(fiber.StatusBadGateway, err))
	}
	c.Set(fiber.HeaderContentType, http.DetectContentType(img))
	return c.Send(img)
}

func (h *Handler) CheckHealth(c *fiber.Ctx) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	round, err := h.engine.CheckHealth(ctx)
	if err != nil {
		return sendError(c, err)
	}
	return sendResult(c, RoundResult{Round: round})
}

func (h *Handler) Responded(c *fiber.Ctx) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	out, err := h.engine.Responded(ctx)
	if err != nil {
		return sendError(c, err)
	}
	return sendResult(c, out)
}

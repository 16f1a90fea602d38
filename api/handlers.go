package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mirrolink/models"
	"mirrolink/record"
	"mirrolink/service"
	"mirrolink/store"
)

// Session is the controller surface the API drives
type Session interface {
	Devices() []models.Device
	CurrentDevice() (models.Device, bool)
	Connect(serial string) error
	Disconnect()
	Start(ctx context.Context, cfg models.StreamConfig) error
	Stop()
	UpdateConfig(ctx context.Context, cfg models.StreamConfig) error
	StartRecording(path string) error
	StopRecording() error
	Status() service.SessionStatus
}

// Input queues input actions
type Input interface {
	Dispatch(req models.ActionRequest) (models.Action, error)
	Recent() []models.Action
}

// History reads persisted events and sessions
type History interface {
	RecentEvents(limit int) ([]models.DeviceEvent, error)
	RecentSessions(limit int) ([]store.SessionRecord, error)
}

type Handlers struct {
	session Session
	input   Input
	history History
}

func NewHandlers(session Session, input Input, history History) *Handlers {
	return &Handlers{session: session, input: input, history: history}
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoDeviceSelected),
		errors.Is(err, service.ErrNotActive),
		errors.Is(err, service.ErrAlreadyRecording),
		errors.Is(err, service.ErrForwardBusy):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidConfig),
		errors.Is(err, record.ErrUnsupportedContainer),
		errors.Is(err, record.ErrMissingParameters):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), models.ErrorResponse(err.Error()))
}

// GetDevices returns all attached devices
func (h *Handlers) GetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(h.session.Devices()))
}

// GetCurrentDevice returns the selected device
func (h *Handlers) GetCurrentDevice(c *gin.Context) {
	dev, ok := h.session.CurrentDevice()
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse(service.ErrNoDeviceSelected.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(dev))
}

// GetDeviceHistory returns recent device events and sessions
func (h *Handlers) GetDeviceHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("limit must be between 1 and 1000"))
		return
	}

	events, err := h.history.RecentEvents(limit)
	if err != nil {
		respondError(c, err)
		return
	}
	sessions, err := h.history.RecentSessions(limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"events":   events,
		"sessions": sessions,
	}))
}

func (h *Handlers) ConnectDevice(c *gin.Context) {
	if err := h.session.Connect(c.Param("serial")); err != nil {
		respondError(c, err)
		return
	}
	dev, _ := h.session.CurrentDevice()
	c.JSON(http.StatusOK, models.SuccessResponse(dev))
}

func (h *Handlers) DisconnectDevice(c *gin.Context) {
	h.session.Disconnect()
	c.JSON(http.StatusOK, models.MessageResponse("device disconnected"))
}

// bindConfig reads an optional StreamConfig body
func bindConfig(c *gin.Context) (models.StreamConfig, bool) {
	var cfg models.StreamConfig
	if c.Request.ContentLength == 0 {
		return cfg, true
	}
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return cfg, false
	}
	return cfg, true
}

func (h *Handlers) StartSession(c *gin.Context) {
	cfg, ok := bindConfig(c)
	if !ok {
		return
	}
	if err := h.session.Start(c.Request.Context(), cfg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(h.session.Status()))
}

func (h *Handlers) StopSession(c *gin.Context) {
	h.session.Stop()
	c.JSON(http.StatusOK, models.SuccessResponse(h.session.Status()))
}

func (h *Handlers) UpdateSessionConfig(c *gin.Context) {
	var cfg models.StreamConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	if err := h.session.UpdateConfig(c.Request.Context(), cfg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(h.session.Status()))
}

func (h *Handlers) GetSessionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(h.session.Status()))
}

func (h *Handlers) StartRecording(c *gin.Context) {
	var req models.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	if err := h.session.StartRecording(req.Path); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("recording to "+req.Path))
}

func (h *Handlers) StopRecording(c *gin.Context) {
	if err := h.session.StopRecording(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("recording stopped"))
}

// SendInput queues a tap, swipe, text or key action for the selected device
func (h *Handlers) SendInput(c *gin.Context) {
	var req models.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	action, err := h.input.Dispatch(req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		c.JSON(status, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, models.SuccessResponse(action))
}

func (h *Handlers) GetRecentInput(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(h.input.Recent()))
}

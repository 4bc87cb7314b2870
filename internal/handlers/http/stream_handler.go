package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
	apperrors "livestage/pkg/errors"
	"livestage/pkg/logger"
	"livestage/pkg/tracing"
	"livestage/pkg/validation"
)

// StreamHandler serves the stream metadata API. Errors are attached to the
// gin context and rendered by middleware.ErrorHandlerMiddleware.
type StreamHandler struct {
	streamService ports.StreamService
	logger        *logger.ContextLogger
}

var _ ports.StreamHTTPHandler = (*StreamHandler)(nil)

func NewStreamHandler(streamService ports.StreamService, log *zap.SugaredLogger) *StreamHandler {
	return &StreamHandler{
		streamService: streamService,
		logger:        logger.NewContextLogger(log.Desugar()),
	}
}

// log returns a logger carrying the request trace id and streamID.
func (h *StreamHandler) log(c *gin.Context, streamID domain.StreamID) *zap.SugaredLogger {
	return h.logger.Sugar(logger.WithStreamID(c.Request.Context(), string(streamID)))
}

func (h *StreamHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/streams", h.CreateStream)
		api.GET("/streams", h.ListLiveStreams)
		api.GET("/streams/:id", h.GetStream)
		api.PUT("/streams/:id", h.UpdateStream)
		api.DELETE("/streams/:id", h.DeleteStream)
		api.GET("/streams/:id/stats", h.GetStreamStats)
	}
}

func (h *StreamHandler) CreateStream(c *gin.Context) {
	var req struct {
		Title  string         `json:"title"`
		HostID domain.PartyID `json:"hostId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid request body"))
		return
	}
	if err := validation.ValidateStreamTitle(req.Title); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidatePartyID(string(req.HostID)); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	stream, err := h.streamService.CreateStream(c.Request.Context(), req.Title, req.HostID)
	if err != nil {
		_ = c.Error(h.serviceError(err, "failed to create stream"))
		return
	}

	h.log(c, stream.ID).Infow("stream created", "host_id", stream.HostID)
	c.JSON(http.StatusCreated, gin.H{
		"stream": stream,
	})
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	stream, err := h.streamService.GetStream(c.Request.Context(), streamID)
	if err != nil {
		_ = c.Error(h.serviceError(err, "failed to get stream"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream": stream,
	})
}

// UpdateStream flips the live flag. It is the only mutable field.
func (h *StreamHandler) UpdateStream(c *gin.Context) {
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	var req struct {
		IsLive *bool `json:"isLive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IsLive == nil {
		_ = c.Error(apperrors.NewInvalidInputError("isLive is required"))
		return
	}

	stream, err := h.streamService.SetLive(c.Request.Context(), streamID, *req.IsLive)
	if err != nil {
		_ = c.Error(h.serviceError(err, "failed to update stream"))
		return
	}

	h.log(c, stream.ID).Infow("stream updated", "is_live", stream.IsLive)
	c.JSON(http.StatusOK, gin.H{
		"stream": stream,
	})
}

func (h *StreamHandler) DeleteStream(c *gin.Context) {
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	if err := h.streamService.DeleteStream(c.Request.Context(), streamID); err != nil {
		_ = c.Error(h.serviceError(err, "failed to delete stream"))
		return
	}

	h.log(c, streamID).Infow("stream deleted")
	c.Status(http.StatusNoContent)
}

func (h *StreamHandler) ListLiveStreams(c *gin.Context) {
	streams, err := h.streamService.ListLiveStreams(c.Request.Context())
	if err != nil {
		_ = c.Error(h.serviceError(err, "failed to list streams"))
		return
	}
	if streams == nil {
		streams = []*domain.Stream{}
	}

	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
	})
}

func (h *StreamHandler) GetStreamStats(c *gin.Context) {
	streamID, ok := streamParam(c)
	if !ok {
		return
	}

	stats, err := h.streamService.GetStreamStats(c.Request.Context(), streamID)
	if err != nil {
		_ = c.Error(h.serviceError(err, "failed to get stream stats"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
	})
}

func streamParam(c *gin.Context) (domain.StreamID, bool) {
	id := c.Param("id")
	if err := validation.ValidateStreamID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	tracing.AddSpanAttributes(c.Request.Context(), attribute.String("stream.id", id))
	return domain.StreamID(id), true
}

func (h *StreamHandler) serviceError(err error, msg string) *apperrors.AppError {
	if errors.Is(err, domain.ErrStreamNotFound) {
		return apperrors.NewNotFoundError("stream")
	}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, msg, http.StatusInternalServerError)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/queue"
	"github.com/go-openapi/strfmt"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader carries the caller's correlation id.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ClassifyRequest is the body of POST /v1/intent/classify.
type ClassifyRequest struct {
	Text    string                   `json:"text"`
	Context datatypes.RequestContext `json:"context"`
}

// EnqueueRequest is the body of POST /v1/intent/enqueue.
type EnqueueRequest struct {
	Text     string                   `json:"text"`
	Context  datatypes.RequestContext `json:"context"`
	Priority int                      `json:"priority"`
}

// EnqueueResponse acknowledges an enqueued request.
type EnqueueResponse struct {
	RequestID string      `json:"request_id"`
	Status    queue.State `json:"status"`
}

// FeedbackRequest is the body of POST /v1/intent/feedback.
type FeedbackRequest struct {
	ActionCode string  `json:"action_code" binding:"required"`
	Confidence float64 `json:"confidence"`
	Correct    *bool   `json:"correct" binding:"required"`
}

// InvalidateRequest is the body of POST /v1/intent/cache/invalidate.
type InvalidateRequest struct {
	Query string `json:"query" binding:"required"`
}

// Handlers serves the intent HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	service *Service
	watch   WatchOptions
}

// NewHandlers creates handlers for service.
func NewHandlers(service *Service, watch WatchOptions) *Handlers {
	return &Handlers{service: service, watch: watch.withDefaults()}
}

func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Header(RequestIDHeader, id)
	return id
}

func abortWith(c *gin.Context, status int, code string, err error) {
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// writeServiceError maps Service errors onto status codes.
func writeServiceError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		abortWith(c, http.StatusBadRequest, "INVALID_INPUT", err)
	case errors.Is(err, ErrNotFound):
		abortWith(c, http.StatusNotFound, "NOT_FOUND", err)
	case errors.Is(err, ErrUnknownQueue):
		abortWith(c, http.StatusNotFound, "UNKNOWN_QUEUE", err)
	case errors.Is(err, ErrCacheDisabled), errors.Is(err, ErrCalibrationDisabled):
		abortWith(c, http.StatusConflict, "DISABLED", err)
	default:
		logger.Error("request failed", slog.String("error", err.Error()))
		abortWith(c, http.StatusInternalServerError, "INTERNAL", errors.New("internal error"))
	}
}

// HandleClassify handles POST /v1/intent/classify.
//
// Response:
//
//	200 OK: datatypes.ClassificationResult
//	400 Bad Request: malformed body, empty or over-long text
func (h *Handlers) HandleClassify(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleClassify")

	var req ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, "INVALID_BODY", err)
		return
	}
	if err := h.service.ValidateText(req.Text); err != nil {
		writeServiceError(c, logger, err)
		return
	}
	result := h.service.Classify(c.Request.Context(), req.Text, req.Context)
	result.RequestID = requestID
	c.JSON(http.StatusOK, result)
}

// HandleEnqueue handles POST /v1/intent/enqueue.
//
// Response:
//
//	202 Accepted: EnqueueResponse
//	400 Bad Request: malformed body, bad text or priority
func (h *Handlers) HandleEnqueue(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleEnqueue")

	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, "INVALID_BODY", err)
		return
	}
	if req.Priority < 0 || req.Priority > queue.MaxPriority {
		abortWith(c, http.StatusBadRequest, "INVALID_INPUT", errors.New("priority must be between 0 and 99"))
		return
	}
	id, err := h.service.Enqueue(c.Request.Context(), req.Text, req.Context, req.Priority)
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusAccepted, EnqueueResponse{RequestID: id, Status: queue.StateQueued})
}

// HandleStatus handles GET /v1/intent/status/:id.
func (h *Handlers) HandleStatus(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleStatus")

	id, ok := statusID(c)
	if !ok {
		return
	}
	st, err := h.service.GetStatus(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// statusID reads and validates the :id path parameter, writing a 400 when
// it is not a UUIDv4.
func statusID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !strfmt.IsUUID4(id) {
		abortWith(c, http.StatusBadRequest, "INVALID_REQUEST_ID", errors.New("request id must be a UUIDv4"))
		return "", false
	}
	return id, true
}

// HandleFeedback handles POST /v1/intent/feedback.
func (h *Handlers) HandleFeedback(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleFeedback")

	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, "INVALID_BODY", err)
		return
	}
	if err := h.service.RecordFeedback(c.Request.Context(), req.ActionCode, req.Confidence, *req.Correct); err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleCalibration handles GET /v1/intent/calibration and
// GET /v1/intent/calibration/:action_code.
func (h *Handlers) HandleCalibration(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleCalibration")

	stats, err := h.service.CalibrationReport(c.Request.Context(), c.Param("action_code"))
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleCacheStats handles GET /v1/intent/cache/stats.
func (h *Handlers) HandleCacheStats(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleCacheStats")

	stats, err := h.service.CacheStats(c.Request.Context())
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"size":               stats.Size,
		"hits":               stats.Hits,
		"misses":             stats.Misses,
		"skips":              stats.Skips,
		"hit_ratio":          stats.HitRatio,
		"p95_latency_ms":     float64(stats.P95Latency.Microseconds()) / 1000,
		"throughput_per_sec": stats.Throughput,
	})
}

// HandleClearCache handles DELETE /v1/intent/cache.
func (h *Handlers) HandleClearCache(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleClearCache")

	n, err := h.service.ClearCache(c.Request.Context())
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// HandleInvalidateCache handles POST /v1/intent/cache/invalidate.
func (h *Handlers) HandleInvalidateCache(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleInvalidateCache")

	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, "INVALID_BODY", err)
		return
	}
	removed, err := h.service.InvalidateCache(c.Request.Context(), req.Query)
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// HandleClearQueue handles DELETE /v1/intent/queue/:name.
func (h *Handlers) HandleClearQueue(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleClearQueue")

	n, err := h.service.ClearQueue(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// HandleDeadLetters handles GET /v1/intent/queue/dead-letters?limit=N.
func (h *Handlers) HandleDeadLetters(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleDeadLetters")

	limit := 100
	if s := c.Query("limit"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := h.service.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		writeServiceError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": records, "count": len(records)})
}

// HandleHealth handles GET /v1/intent/health. A degraded service still
// answers 200; the body says what is degraded.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Health(c.Request.Context()))
}

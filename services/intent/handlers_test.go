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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/queue"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, fo fixtureOptions) (*gin.Engine, *fixture) {
	t.Helper()
	f := newServiceFixture(t, &fakeLLM{text: trackOrderJSON}, fo)
	h := NewHandlers(f.svc, WatchOptions{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second})
	return NewRouter("intent-test", h), f
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandleClassify(t *testing.T) {
	router, _ := setupRouter(t, fixtureOptions{})

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"keyword hit", ClassifyRequest{Text: "add this to my cart"}, http.StatusOK, ""},
		{"empty text", ClassifyRequest{Text: ""}, http.StatusBadRequest, "INVALID_INPUT"},
		{"too long", ClassifyRequest{Text: strings.Repeat("a", DefaultMaxTextChars+1)}, http.StatusBadRequest, "INVALID_INPUT"},
		{"malformed body", "not an object", http.StatusBadRequest, "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/v1/intent/classify", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, w).Code)
			}
		})
	}
}

func TestHandleClassify_EchoesRequestID(t *testing.T) {
	router, _ := setupRouter(t, fixtureOptions{})

	req := httptest.NewRequest(http.MethodPost, "/v1/intent/classify", strings.NewReader(`{"text":"add this to my cart"}`))
	req.Header.Set(RequestIDHeader, "corr-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "corr-42", w.Header().Get(RequestIDHeader))
	res := decode[datatypes.ClassificationResult](t, w)
	assert.Equal(t, "corr-42", res.RequestID)
	assert.Equal(t, "ADD_TO_CART", res.ActionCode)
}

func TestHandleEnqueueAndStatus(t *testing.T) {
	router, _ := setupRouter(t, fixtureOptions{})

	w := doJSON(t, router, http.MethodPost, "/v1/intent/enqueue", EnqueueRequest{Text: "where is my parcel 12345", Priority: 2})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	ack := decode[EnqueueResponse](t, w)
	assert.Equal(t, queue.StateQueued, ack.Status)

	w = doJSON(t, router, http.MethodGet, "/v1/intent/status/"+ack.RequestID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, queue.StateQueued, decode[queue.RequestStatus](t, w).Status)

	w = doJSON(t, router, http.MethodGet, "/v1/intent/status/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/intent/status/3b241101-e2bb-4255-8caf-4136c566a962", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/intent/enqueue", EnqueueRequest{Text: "hello", Priority: 100})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleFeedbackAndCalibration(t *testing.T) {
	router, _ := setupRouter(t, fixtureOptions{})
	yes := true

	w := doJSON(t, router, http.MethodPost, "/v1/intent/feedback", FeedbackRequest{ActionCode: "TRACK_ORDER", Confidence: 0.8, Correct: &yes})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/v1/intent/feedback", map[string]any{"action_code": "TRACK_ORDER", "confidence": 0.8})
	assert.Equal(t, http.StatusBadRequest, w.Code, "correct is required")

	w = doJSON(t, router, http.MethodPost, "/v1/intent/feedback", FeedbackRequest{ActionCode: "NOPE", Confidence: 0.8, Correct: &yes})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/intent/calibration/TRACK_ORDER", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = doJSON(t, router, http.MethodGet, "/v1/intent/calibration", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)
}

func TestHandleCacheEndpoints(t *testing.T) {
	router, _ := setupRouter(t, fixtureOptions{cache: true})

	w := doJSON(t, router, http.MethodPost, "/v1/intent/classify", ClassifyRequest{Text: "where is my parcel 12345"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/intent/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, stats["size"])

	w = doJSON(t, router, http.MethodPost, "/v1/intent/cache/invalidate", InvalidateRequest{Query: "where is my parcel 12345"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":true}`, w.Body.String())

	w = doJSON(t, router, http.MethodDelete, "/v1/intent/cache", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":0}`, w.Body.String())
}

func TestHandleCacheEndpoints_Disabled(t *testing.T) {
	router, _ := setupRouter(t, fixtureOptions{})
	w := doJSON(t, router, http.MethodGet, "/v1/intent/cache/stats", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DISABLED", decode[ErrorResponse](t, w).Code)
}

func TestHandleQueueEndpoints(t *testing.T) {
	router, f := setupRouter(t, fixtureOptions{})
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, "add this to my cart", datatypes.RequestContext{}, 0)
	require.NoError(t, err)
	msg, err := f.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, f.queue.MoveToDeadLetter(ctx, msg, "retries exhausted"))

	w := doJSON(t, router, http.MethodGet, "/v1/intent/queue/dead-letters?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), "retries exhausted")

	_, err = f.svc.Enqueue(ctx, "add this to my cart", datatypes.RequestContext{}, 0)
	require.NoError(t, err)
	w = doJSON(t, router, http.MethodDelete, "/v1/intent/queue/intent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":1}`, w.Body.String())

	w = doJSON(t, router, http.MethodDelete, "/v1/intent/queue/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleHealth(t *testing.T) {
	router, _ := setupRouter(t, fixtureOptions{})
	w := doJSON(t, router, http.MethodGet, "/v1/intent/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[Health](t, w)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "closed", h.Breaker)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := setupRouter(t, fixtureOptions{})
	doJSON(t, router, http.MethodPost, "/v1/intent/classify", ClassifyRequest{Text: "add this to my cart"})

	w := doJSON(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "intent_service_classifications_total")
}

func TestHandleWatch_StreamsUntilTerminal(t *testing.T) {
	router, f := setupRouter(t, fixtureOptions{})
	srv := httptest.NewServer(router)
	defer srv.Close()
	ctx := context.Background()

	id, err := f.svc.Enqueue(ctx, "where is my parcel 12345", datatypes.RequestContext{}, 0)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/intent/status/" + id + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first queue.RequestStatus
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, queue.StateQueued, first.Status)

	pool, err := queue.NewPool(f.queue, f.svc.Processor(), 1, time.Millisecond, nil)
	require.NoError(t, err)
	msg, err := f.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	pool.Handle(ctx, msg)

	var seen []queue.State
	for {
		var st queue.RequestStatus
		if err := conn.ReadJSON(&st); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		seen = append(seen, st.Status)
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, queue.StateCompleted, seen[len(seen)-1])
}

func TestHandleWatch_UnknownRequest(t *testing.T) {
	router, _ := setupRouter(t, fixtureOptions{})
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/intent/status/3b241101-e2bb-4255-8caf-4136c566a962/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), err)
}

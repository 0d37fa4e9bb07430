// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func deadLetterFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := newFixture(t, nil)
	for i := 0; i < n; i++ {
		f.enqueue(t, fmt.Sprintf("failed query %d", i), 0)
		msg := f.mustDequeue(t)
		require.NoError(t, f.q.MoveToDeadLetter(context.Background(), msg, "retries exhausted"))
	}
	return f
}

func TestExportDeadLetters_File(t *testing.T) {
	ctx := context.Background()
	f := deadLetterFixture(t, 3)
	dir := t.TempDir()

	exp, err := NewExporter(ctx, "file://"+dir)
	require.NoError(t, err)
	defer exp.Close()

	where, n, err := f.q.ExportDeadLetters(ctx, exp, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, strings.HasPrefix(where, dir))
	assert.Contains(t, where, "test-dead-letters-20260504T09")

	file, err := os.Open(where)
	require.NoError(t, err)
	defer file.Close()
	var got []DeadLetterRecord
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var rec DeadLetterRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		got = append(got, rec)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "failed query 0", got[0].Message.Query)

	left, err := f.q.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, left, "trim removes exported records")
}

func TestExportDeadLetters_NothingToExport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	where, n, err := f.q.ExportDeadLetters(ctx, &FileExporter{Dir: t.TempDir()}, 0, false)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, where)
}

func TestNewExporter_Destinations(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		dest    string
		wantErr bool
		want    string
	}{
		{"file:///var/lib/intent/dlq", false, "*queue.FileExporter"},
		{"/var/lib/intent/dlq", false, "*queue.FileExporter"},
		{"gs://dlq-bucket/exports", false, "*queue.GCSExporter"},
		{"gs:///no-bucket", true, ""},
		{"s3://bucket/prefix", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.dest, func(t *testing.T) {
			exp, err := NewExporter(ctx, tt.dest, option.WithoutAuthentication())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer exp.Close()
			assert.Equal(t, tt.want, fmt.Sprintf("%T", exp))
		})
	}
}

// fakeGCS accepts multipart and resumable uploads and records the bodies.
type fakeGCS struct {
	mu     sync.Mutex
	paths  []string
	bodies []string
	srv    *httptest.Server
}

func newFakeGCS(t *testing.T) *fakeGCS {
	t.Helper()
	g := &fakeGCS{}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGCS) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.paths = append(g.paths, r.URL.Path)
	g.bodies = append(g.bodies, string(body))
	g.mu.Unlock()

	if r.URL.Query().Get("uploadType") == "resumable" && r.Method == http.MethodPost {
		w.Header().Set("Location", g.srv.URL+"/upload/session/1")
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"bucket":"dlq-bucket","name":"exports/object.ndjson","size":"1"}`)
}

func (g *fakeGCS) received() (string, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return strings.Join(g.paths, " "), strings.Join(g.bodies, "\n")
}

func TestGCSExporter_Uploads(t *testing.T) {
	ctx := context.Background()
	f := deadLetterFixture(t, 2)
	gcs := newFakeGCS(t)

	exp, err := NewGCSExporter(ctx, "dlq-bucket", "/exports/",
		option.WithEndpoint(gcs.srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	defer exp.Close()

	where, n, err := f.q.ExportDeadLetters(ctx, exp, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "gs://dlq-bucket/exports/"+ExportName("test", f.clock.Now()), where)

	paths, bodies := gcs.received()
	assert.Contains(t, paths, "/b/dlq-bucket/o")
	assert.Contains(t, bodies, "failed query 1")

	left, err := f.q.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, left, 2, "records kept without trim")
}

func TestExportName(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	assert.Equal(t, "intent-dead-letters-20260102T020405Z.ndjson", ExportName("intent", ts))
}

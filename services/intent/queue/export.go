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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Exporter writes dead-letter records somewhere durable for offline review.
type Exporter interface {
	// Export writes records as one object named name and returns where it
	// went.
	Export(ctx context.Context, name string, records []DeadLetterRecord) (string, error)
	Close() error
}

// NewExporter builds an exporter from a destination URL:
// file:///var/lib/intent/dlq or gs://bucket/prefix.
func NewExporter(ctx context.Context, dest string, opts ...option.ClientOption) (Exporter, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("queue.NewExporter: %w", err)
	}
	switch u.Scheme {
	case "file", "":
		dir := u.Path
		if u.Scheme == "" {
			dir = dest
		}
		if dir == "" {
			return nil, errors.New("queue.NewExporter: file destination needs a directory")
		}
		return &FileExporter{Dir: dir}, nil
	case "gs":
		if u.Host == "" {
			return nil, errors.New("queue.NewExporter: gs destination needs a bucket")
		}
		return NewGCSExporter(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), opts...)
	default:
		return nil, fmt.Errorf("queue.NewExporter: unsupported scheme %q", u.Scheme)
	}
}

// ExportName returns the object name used for an export taken at t.
func ExportName(queueName string, t time.Time) string {
	return fmt.Sprintf("%s-dead-letters-%s.ndjson", queueName, t.UTC().Format("20060102T150405Z"))
}

func writeNDJSON(w io.Writer, records []DeadLetterRecord) error {
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return err
		}
	}
	return nil
}

// FileExporter writes newline-delimited JSON files into Dir.
type FileExporter struct {
	Dir string
}

// Export implements Exporter.
func (e *FileExporter) Export(_ context.Context, name string, records []DeadLetterRecord) (string, error) {
	if err := os.MkdirAll(e.Dir, 0o750); err != nil {
		return "", fmt.Errorf("FileExporter.Export: %w", err)
	}
	p := filepath.Join(e.Dir, filepath.Base(name))
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("FileExporter.Export: %w", err)
	}
	if err := writeNDJSON(f, records); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("FileExporter.Export: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("FileExporter.Export: %w", err)
	}
	return p, nil
}

// Close implements Exporter.
func (e *FileExporter) Close() error { return nil }

// GCSExporter uploads newline-delimited JSON objects to a Cloud Storage
// bucket.
type GCSExporter struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSExporter opens a storage client. opts are passed through, which is
// how tests point the client at a local endpoint.
func NewGCSExporter(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSExporter, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("queue.NewGCSExporter: %w", err)
	}
	return &GCSExporter{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Export implements Exporter.
func (e *GCSExporter) Export(ctx context.Context, name string, records []DeadLetterRecord) (string, error) {
	object := name
	if e.prefix != "" {
		object = path.Join(e.prefix, name)
	}
	w := e.client.Bucket(e.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if err := writeNDJSON(w, records); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("GCSExporter.Export: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("GCSExporter.Export: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", e.bucket, object), nil
}

// Close implements Exporter.
func (e *GCSExporter) Close() error { return e.client.Close() }

// ExportDeadLetters writes up to limit dead letters through exp. With trim
// set, the exported records are removed from the list afterwards.
func (q *Queue) ExportDeadLetters(ctx context.Context, exp Exporter, limit int, trim bool) (string, int, error) {
	ctx, span := tracer.Start(ctx, "Queue.ExportDeadLetters")
	defer span.End()

	records, err := q.DeadLetters(ctx, limit)
	if err != nil {
		return "", 0, err
	}
	if len(records) == 0 {
		return "", 0, nil
	}
	where, err := exp.Export(ctx, ExportName(q.name, q.now()), records)
	if err != nil {
		return "", 0, err
	}
	if trim {
		if err := q.TrimDeadLetters(ctx, len(records)); err != nil {
			return where, len(records), err
		}
	}
	return where, len(records), nil
}

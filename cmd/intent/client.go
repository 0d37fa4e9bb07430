// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent"
	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/queue"
	"github.com/spf13/cobra"
)

const (
	defaultServerURL = "http://localhost:8080"
	clientTimeout    = 30 * time.Second
)

var (
	classifyAsync    bool
	classifyPriority int
	classifyUser     string
	classifySession  string
)

func addServerFlag(cmd *cobra.Command) {
	def := os.Getenv("INTENT_SERVER")
	if def == "" {
		def = defaultServerURL
	}
	cmd.Flags().StringVar(&serverURL, "server", def, "Base URL of the intent service (env INTENT_SERVER)")
}

func newClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [text...]",
		Short: "Classify text through a running service",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			rctx := datatypes.RequestContext{UserID: classifyUser, SessionID: classifySession}
			out := newRenderer(cmd.OutOrStdout())
			if classifyAsync {
				var ack intent.EnqueueResponse
				err := postJSON(cmd.Context(), "/v1/intent/enqueue",
					intent.EnqueueRequest{Text: text, Context: rctx, Priority: classifyPriority}, &ack)
				if err != nil {
					return err
				}
				return out.enqueued(ack)
			}
			var res datatypes.ClassificationResult
			if err := postJSON(cmd.Context(), "/v1/intent/classify", intent.ClassifyRequest{Text: text, Context: rctx}, &res); err != nil {
				return err
			}
			return out.result(res)
		},
	}
	addServerFlag(cmd)
	cmd.Flags().BoolVar(&classifyAsync, "async", false, "Enqueue instead of classifying synchronously")
	cmd.Flags().IntVar(&classifyPriority, "priority", 0, "Queue priority 1-99, lower first (0 uses the default)")
	cmd.Flags().StringVar(&classifyUser, "user", "", "User id for the request context")
	cmd.Flags().StringVar(&classifySession, "session", "", "Session id for the request context")
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the status of a queued request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st queue.RequestStatus
			if err := getJSON(cmd.Context(), "/v1/intent/status/"+args[0], &st); err != nil {
				return err
			}
			return newRenderer(cmd.OutOrStdout()).status(st)
		},
	}
	addServerFlag(cmd)
	return cmd
}

// =============================================================================
// HTTP helpers
// =============================================================================

var httpClient = &http.Client{Timeout: clientTimeout}

func postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+path, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e intent.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (%s, HTTP %d)", e.Error, e.Code, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

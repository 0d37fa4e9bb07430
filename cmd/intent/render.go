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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent"
	"github.com/AleutianAI/AleutianIntent/services/intent/datatypes"
	"github.com/AleutianAI/AleutianIntent/services/intent/queue"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(14)
	codeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// renderer prints results styled on a terminal and as indented JSON
// otherwise, so the output can be piped into jq.
type renderer struct {
	w      io.Writer
	styled bool
}

func newRenderer(w io.Writer) *renderer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &renderer{w: w, styled: styled}
}

func (r *renderer) writeJSON(v any) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *renderer) box(rows [][2]string) error {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		lines = append(lines, labelStyle.Render(row[0])+row[1])
	}
	_, err := fmt.Fprintln(r.w, boxStyle.Render(strings.Join(lines, "\n")))
	return err
}

func (r *renderer) result(res datatypes.ClassificationResult) error {
	if !r.styled {
		return r.writeJSON(res)
	}
	source := okStyle.Render(string(res.ResolvedBy))
	if res.ResolvedBy == datatypes.ResolvedByFallback {
		source = warnStyle.Render(string(res.ResolvedBy))
	}
	rows := [][2]string{
		{"action", codeStyle.Render(res.ActionCode)},
		{"intent", res.Intent},
		{"confidence", fmt.Sprintf("%.2f", res.Confidence)},
		{"status", string(res.Status)},
		{"resolved by", source},
		{"trigger", res.TriggerReason},
		{"entities", formatEntities(res.Entities)},
		{"clarify", res.ClarificationPrompt},
	}
	for i, alt := range res.Alternatives {
		if i == 3 {
			break
		}
		rows = append(rows, [2]string{"alternative", fmt.Sprintf("%s %.2f", alt.IntentID, alt.Score)})
	}
	return r.box(rows)
}

func (r *renderer) enqueued(ack intent.EnqueueResponse) error {
	if !r.styled {
		return r.writeJSON(ack)
	}
	return r.box([][2]string{
		{"request id", codeStyle.Render(ack.RequestID)},
		{"status", string(ack.Status)},
	})
}

func (r *renderer) status(st queue.RequestStatus) error {
	if !r.styled {
		return r.writeJSON(st)
	}
	state := string(st.Status)
	switch st.Status {
	case queue.StateCompleted:
		state = okStyle.Render(state)
	case queue.StateFailed:
		state = errStyle.Render(state)
	default:
		state = warnStyle.Render(state)
	}
	rows := [][2]string{
		{"request id", codeStyle.Render(st.RequestID)},
		{"status", state},
		{"queued", formatTime(&st.QueuedAt)},
		{"started", formatTime(st.StartedAt)},
		{"completed", formatTime(st.CompletedAt)},
		{"retries", fmt.Sprint(st.RetryCount)},
		{"error", st.Error},
	}
	if st.Result != nil {
		rows = append(rows,
			[2]string{"action", codeStyle.Render(st.Result.ActionCode)},
			[2]string{"confidence", fmt.Sprintf("%.2f", st.Result.Confidence)},
			[2]string{"resolved by", string(st.Result.ResolvedBy)},
		)
	}
	return r.box(rows)
}

func formatEntities(e map[string]string) string {
	if len(e) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e[k])
	}
	return strings.Join(parts, " ")
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format(time.RFC3339)
}

package sinks

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/site-crawler/internal/progress"
)

// LineTimeFormat is the ISO-8601 timestamp layout used on the line stream.
const LineTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// LineSink writes one human-readable line per event:
//
//	[2025-03-01T12:00:00.000Z] PAGE_FAILED | <job_id> | <message>
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineSink writes lines to w.
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

// FormatLine renders evt in the line stream format without a trailing newline.
func FormatLine(evt progress.Event) string {
	msg := strings.ReplaceAll(evt.Message, "\n", " ")
	return fmt.Sprintf("[%s] %s | %s | %s", evt.TS.UTC().Format(LineTimeFormat), evt.Type, evt.JobID, msg)
}

// Consume writes the batch in order.
func (s *LineSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.w == nil {
		return nil
	}
	var b strings.Builder
	for _, evt := range batch {
		b.WriteString(FormatLine(evt))
		b.WriteByte('\n')
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("line sink: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return fmt.Errorf("write progress lines: %w", err)
	}
	return nil
}

// Close implements the Sink interface; the writer is owned by the caller.
func (s *LineSink) Close(context.Context) error {
	return nil
}

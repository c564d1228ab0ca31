// Package opensearch indexes lifecycle events into OpenSearch (or
// Elasticsearch) over its REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/juinit/internal/history"
)

// Sink writes one document per event to <index>-YYYY.MM.DD.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	newID   func() string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		newID:   uuid.NewString,
	}
}

// document is the flat shape stored in the index so that dashboards can
// filter on service and type without nested mappings.
type document struct {
	Service      string    `json:"service"`
	Type         string    `json:"type"`
	OccurredAt   time.Time `json:"@timestamp"`
	PID          int       `json:"pid,omitempty"`
	State        string    `json:"state"`
	RestartCount uint32    `json:"restart_count"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Signal       int       `json:"signal,omitempty"`
	Message      string    `json:"message,omitempty"`
}

func toDocument(e history.Event) document {
	return document{
		Service:      e.Record.Service,
		Type:         string(e.Type),
		OccurredAt:   e.OccurredAt.UTC(),
		PID:          e.Record.PID,
		State:        e.Record.State,
		RestartCount: e.Record.RestartCount,
		ExitCode:     e.Record.ExitCode,
		Signal:       e.Record.Signal,
		Message:      e.Record.Message,
	}
}

// indexFor returns the daily index an event belongs to.
func (s *Sink) indexFor(t time.Time) string {
	return s.index + "-" + t.UTC().Format("2006.01.02")
}

// Send stores e under a fresh document id with PUT, so a retried request
// cannot create a duplicate.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(toDocument(e))
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.indexFor(e.OccurredAt), s.newID())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

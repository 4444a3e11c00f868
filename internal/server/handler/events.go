package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

// EventStreamReader reads back the durable event stream.
type EventStreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventsHandler replays published events so websocket clients can catch up
// after a reconnect.
type EventsHandler struct {
	stream EventStreamReader
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler over the signal bus stream.
func NewEventsHandler(stream EventStreamReader, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{stream: stream, logger: logger.With(slog.String("handler", "events"))}
}

type replayedEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

type eventsResponse struct {
	Events []replayedEvent `json:"events"`
	// Next is the cursor to pass as ?after= on the following call.
	Next string `json:"next"`
}

// List returns events appended after the given stream id.
// GET /api/events?after=0&limit=100
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	limit := 100
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, 1000)
	}

	msgs, err := h.stream.StreamRead(r.Context(), domain.EventStream, after, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, "read events", err)
		return
	}

	resp := eventsResponse{Events: make([]replayedEvent, 0, len(msgs)), Next: after}
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			h.logger.WarnContext(r.Context(), "skipping malformed stream entry", slog.String("id", m.ID))
			continue
		}
		resp.Events = append(resp.Events, replayedEvent{ID: m.ID, Event: m.Payload})
	}
	if len(msgs) > 0 {
		resp.Next = msgs[len(msgs)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

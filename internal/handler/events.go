package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/dm-responder-go/internal/model"
	"github.com/openclaw/dm-responder-go/internal/sse"
)

// StatusSource reports the current status of a bot.
type StatusSource interface {
	GetStatus(accountID int64) *model.LiveStatus
}

// EventsHandler streams the status changes of one bot. The stream opens with
// the current status so clients never wait for the first change.
type EventsHandler struct {
	broker    *sse.Broker
	bots      StatusSource
	heartbeat time.Duration
}

func NewEventsHandler(broker *sse.Broker, bots StatusSource) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		bots:      bots,
		heartbeat: sse.HeartbeatInterval,
	}
}

// GET /v1/bots/{accountID}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(accountID)
	defer h.broker.Unsubscribe(client)

	log.Info().Int64("accountId", accountID).Msg("sse connection established")

	if err := h.sendEvent(w, flusher, sse.EventStatus, h.bots.GetStatus(accountID)); err != nil {
		log.Debug().Err(err).Msg("failed to send initial status")
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Int64("accountId", accountID).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Int64("accountId", accountID).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Int64("accountId", accountID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

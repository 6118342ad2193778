package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/fkhayef/questarena/pkg/middleware"
	"github.com/fkhayef/questarena/pkg/response"
)

const keepAliveInterval = 15 * time.Second

// ErrTopicForbidden is returned by a TopicGuard when the caller may not watch a topic
var ErrTopicForbidden = errors.New("not allowed to watch this topic")

// TopicGuard decides whether a participant may watch a topic
type TopicGuard func(ctx context.Context, participantID, topic string) error

// Handler streams relay events to HTTP clients as server-sent events
type Handler struct {
	relay     Relay
	guard     TopicGuard
	keepAlive time.Duration
	log       zerolog.Logger
}

// NewHandler creates a new notification handler. A nil guard allows every well-formed topic.
func NewHandler(relay Relay, guard TopicGuard, logger zerolog.Logger) *Handler {
	return &Handler{
		relay:     relay,
		guard:     guard,
		keepAlive: keepAliveInterval,
		log:       logger.With().Str("component", "notification_handler").Logger(),
	}
}

// Routes returns the router for notification endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/stream", h.Stream)

	return r
}

// ValidTopic reports whether topic names a queue entry or team
func ValidTopic(topic string) bool {
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || (kind != "queue_entry" && kind != "team") {
		return false
	}
	n, err := strconv.ParseInt(id, 10, 64)
	return err == nil && n > 0
}

// Stream handles GET /notifications/stream
// @Summary Stream events for a topic
// @Description Server-sent events for a queue entry or team. Each event is a trigger; re-fetch state on receipt.
// @Tags notifications
// @Produce text/event-stream
// @Param topic query string true "queue_entry:<id> or team:<id>"
// @Success 200 {object} Event
// @Failure 400 {object} response.APIResponse
// @Failure 403 {object} response.APIResponse
// @Router /notifications/stream [get]
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	participantID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Authentication required")
		return
	}

	topic := r.URL.Query().Get("topic")
	if !ValidTopic(topic) {
		response.BadRequest(w, "Invalid topic")
		return
	}

	if h.guard != nil {
		if err := h.guard(r.Context(), participantID, topic); err != nil {
			if errors.Is(err, ErrTopicForbidden) {
				response.Forbidden(w, err.Error())
				return
			}
			response.InternalError(w, "Failed to authorize topic")
			return
		}
	}

	sub, err := h.relay.Subscribe(r.Context(), topic)
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
		response.ServiceUnavailable(w, "Notification relay unavailable")
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.log.Warn().Err(err).Msg("response writer cannot flush")
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case event := <-sub.Events():
			if err := writeEvent(w, event); err != nil {
				h.log.Debug().Err(err).Str("topic", topic).Msg("client went away")
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
	return err
}

package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/fanout/internal/runtime/condition"
	"github.com/drblury/fanout/internal/runtime/jsoncodec"
)

const defaultWebUIPort = 8081

// RegisteredHandler is the JSON view of one registry descriptor.
type RegisteredHandler struct {
	Name        string `json:"name"`
	EventType   string `json:"event_type"`
	RetryBudget int    `json:"retry_budget"`
	Condition   string `json:"condition,omitempty"`
}

type handlersResponse struct {
	Inbox    string              `json:"inbox"`
	Enabled  bool                `json:"enabled"`
	Handlers []RegisteredHandler `json:"handlers"`
	Router   []*HandlerInfo      `json:"router"`
	Jobs     []string            `json:"scheduled_jobs"`
}

func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = defaultWebUIPort
	}

	s.RegisterHTTPHandler(port, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
}

// RegisteredHandlers lists the registry contents ordered by event type, then
// registration order.
func (s *Service) RegisteredHandlers() []RegisteredHandler {
	var out []RegisteredHandler
	for _, eventType := range s.registry.EventTypes() {
		for _, d := range s.registry.HandlersFor(eventType) {
			out = append(out, RegisteredHandler{
				Name:        d.Name,
				EventType:   d.EventType,
				RetryBudget: d.RetryBudget,
				Condition:   condition.Describe(d.Condition),
			})
		}
	}
	return out
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := handlersResponse{
		Inbox:    s.topology.Inbox,
		Enabled:  s.Conf.Enabled,
		Handlers: s.RegisteredHandlers(),
		Jobs:     s.scheduler.Scheduled(),
	}

	s.handlersMu.RLock()
	resp.Router = append([]*HandlerInfo(nil), s.handlers...)
	s.handlersMu.RUnlock()

	if err := jsoncodec.Encode(w, resp); err != nil {
		s.Logger.Error("Failed to encode handlers", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

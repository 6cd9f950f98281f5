package runtime

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/tenantbus/internal/runtime/broker"
	"github.com/drblury/tenantbus/internal/runtime/jsoncodec"
)

// SubscriptionInfo is the stats API view of one subscription.
type SubscriptionInfo struct {
	Name       string             `json:"name"`
	Queue      string             `json:"queue"`
	DeadLetter string             `json:"dead_letter_queue,omitempty"`
	EventTypes []string           `json:"event_types"`
	Bindings   []string           `json:"bindings"`
	Stats      *SubscriptionStats `json:"stats"`
}

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

func (s *Service) registerHTTPEndpoints() {
	if port := s.Conf.HealthPort; port > 0 {
		s.RegisterHTTPHandler(port, "/healthz", http.HandlerFunc(s.handleHealth))
		s.RegisterHTTPHandler(port, "/api/subscriptions", s.withCORS(http.HandlerFunc(s.handleGetSubscriptions)))
		s.RegisterHTTPHandler(port, "/api/dead-letters", s.withCORS(http.HandlerFunc(s.handleGetDeadLetters)))
	}
	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// handleHealth answers 200 while the broker connection is healthy and 503
// otherwise, so orchestrators restart or drain a disconnected process.
func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", State: string(s.ConnectionState())}
	status := http.StatusOK
	if !s.Healthy() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Service) handleGetSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.Subscriptions()
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		info := SubscriptionInfo{
			Name:       sub.Name(),
			Queue:      sub.Queue(),
			EventTypes: sub.EventTypes(),
			Bindings:   sub.Bindings(),
			Stats:      sub.stats,
		}
		if s.topology.DeadLetterEnabled() {
			info.DeadLetter = broker.DeadLetterQueueName(sub.Queue())
		}
		out = append(out, info)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleGetDeadLetters(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dlqMetrics.Snapshot())
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// withCORS sets CORS headers for configured origins and answers preflight requests.
func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.StatsCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

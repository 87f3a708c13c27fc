package runtime

import (
	"encoding/json"
	"net/http"
	"strings"

	configpkg "github.com/drblury/localbus/internal/runtime/config"
)

type connectionView struct {
	State     string     `json:"state"`
	Transport string     `json:"transport"`
	Channel   string     `json:"channel"`
	LastEvent *PeerEvent `json:"last_event,omitempty"`
}

type storeView struct {
	Metrics StoreMetricsSnapshot `json:"metrics"`
	Retry   RetryReport          `json:"last_retry"`
	Cycles  int64                `json:"retry_cycles"`
}

func (b *Bus) registerWebUI() {
	if !b.conf.WebUIEnabled {
		return
	}

	port := b.conf.WebUIPort
	if port == 0 {
		port = configpkg.DefaultWebUIPort
	}

	b.RegisterHTTPHandler(port, "/api/handlers", http.HandlerFunc(b.handleGetHandlers))
	b.RegisterHTTPHandler(port, "/api/store", http.HandlerFunc(b.handleGetStore))
	b.RegisterHTTPHandler(port, "/api/connection", http.HandlerFunc(b.handleGetConnection))
}

func (b *Bus) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, r, func() any { return b.Handlers() })
}

func (b *Bus) handleGetStore(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, r, func() any {
		return storeView{
			Metrics: b.StoreSnapshot(),
			Retry:   b.scheduler.LastReport(),
			Cycles:  b.scheduler.Cycles(),
		}
	})
}

func (b *Bus) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, r, func() any {
		return connectionView{
			State:     b.ConnectionState().String(),
			Transport: b.conf.PubSubSystem,
			Channel:   b.conf.ChannelName,
			LastEvent: b.LastPeerEvent(),
		}
	})
}

func (b *Bus) writeJSON(w http.ResponseWriter, r *http.Request, body func() any) {
	w.Header().Set("Content-Type", "application/json")

	if len(b.conf.WebUICORSAllowedOrigins) > 0 {
		allowedOrigin := b.getAllowedCORSOrigin(r.Header.Get("Origin"))
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
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := json.NewEncoder(w).Encode(body()); err != nil {
		b.logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (b *Bus) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range b.conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

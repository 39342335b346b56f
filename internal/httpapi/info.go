package httpapi

import (
	"net/http"
	"time"
)

// ServerInfo represents the server's identity and limits
type ServerInfo struct {
	APIVersion string         `json:"apiVersion"`
	ServerID   string         `json:"serverId"`
	ServerTime string         `json:"serverTime"`
	RateLimit  *RateLimitInfo `json:"rateLimit,omitempty"`
	Hints      *SyncHints     `json:"hints,omitempty"`
}

// SyncHints provides recommendations for client behavior
type SyncHints struct {
	PartMaxRows    int `json:"partMaxRows,omitempty"`
	PartMaxBytes   int `json:"partMaxBytes,omitempty"`
	BackoffMsOn429 int `json:"backoffMsOn429"` // default backoff if Retry-After missing
}

// Info handles GET /v1/sync/info
// This endpoint can be called without authentication to allow capability discovery
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	hints := s.Hints
	if hints.BackoffMsOn429 == 0 {
		hints.BackoffMsOn429 = 1500
	}
	info := ServerInfo{
		APIVersion: "1",
		ServerID:   s.Sessions.ID(),
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
		Hints:      &hints,
	}
	if s.RateLimitConfig.RequestsPerSecond > 0 {
		info.RateLimit = &s.RateLimitConfig
	}
	writeJSON(w, http.StatusOK, info)
}

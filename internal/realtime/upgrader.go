package realtime

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// NewUpgrader builds a websocket upgrader that accepts the given origins.
// An empty list allows every origin, which is only meant for development.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients do not send an origin.
				return true
			}
			if allowed[strings.ToLower(origin)] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && allowed[strings.ToLower(u.Host)]
		},
	}
}

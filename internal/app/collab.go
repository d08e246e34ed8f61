package app

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"chronicle/collab/internal/relay"
	"chronicle/collab/internal/syncchan"
)

func (s *HTTPServer) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  16 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     s.checkOrigin,
		Error: func(w http.ResponseWriter, _ *http.Request, status int, reason error) {
			writeError(w, status, "UPGRADE_FAILED", reason.Error(), nil)
		},
	}
}

// checkOrigin accepts non-browser clients, the configured origin and the
// server's own host.
func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.corsOrigin == "*" {
		return true
	}
	if strings.EqualFold(origin, s.corsOrigin) {
		return true
	}
	parsed, err := url.Parse(origin)
	return err == nil && strings.EqualFold(parsed.Host, r.Host)
}

// handleCollab upgrades to the sync protocol of one document. Browsers
// cannot set headers on websocket requests, so the token may also come as a
// query parameter.
func (s *HTTPServer) handleCollab(w http.ResponseWriter, r *http.Request, documentID string) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	session, err := s.service.Authenticate(token, documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Printf("app: upgrade %s for %s failed: %v", documentID, session.UserID, err)
		return
	}
	conn := syncchan.NewWebsocketConn(ws)
	err = s.service.Serve(r.Context(), documentID, session, conn)
	if err != nil && !errors.Is(err, relay.ErrRoomClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("app: connection of %s to %s ended: %v", session.UserID, documentID, err)
	}
}

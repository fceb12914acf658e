package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/lukasbauer/callbridge/internal/bridge"
	"github.com/lukasbauer/callbridge/internal/telephony"
)

var upgrader = websocket.Upgrader{
	// Call automation connects from Azure; the stream token authenticates it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleMediaWS accepts the bidirectional media socket for one call and runs
// its bridge session until the call ends.
func (r *Router) handleMediaWS(w http.ResponseWriter, req *http.Request) {
	claims, err := r.tokens.verify(req.URL.Query().Get("token"), audienceMedia)
	if err != nil {
		r.logger.Printf("media_ws: rejected connection: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	callID := claims.Subject

	sess, err := r.registry.Create(callID)
	switch {
	case errors.Is(err, bridge.ErrDraining):
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	case errors.Is(err, bridge.ErrDuplicateSession):
		r.logger.Printf("media_ws: call %s already has a session", callID)
		http.Error(w, "session exists", http.StatusConflict)
		return
	case err != nil:
		r.logger.Printf("media_ws: call %s: %v", callID, err)
		captureError(req, err, "media_ws: create session")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("media_ws: call %s upgrade failed: %v", callID, err)
		sess.Close()
		return
	}

	tel := telephony.NewConn(conn, telephony.Options{
		Format:       r.cfg.MediaFormat,
		ReadTimeout:  r.cfg.MediaReadTimeout,
		WriteTimeout: r.cfg.MediaWriteTimeout,
	}, r.logger)

	if connectionID, ok := r.connections.get(callID); ok {
		sess.CallConnected(connectionID)
	}

	r.logger.Printf("media_ws: call %s connected (caller %s)", callID, claims.CallerID)
	if err := sess.Run(req.Context(), tel); err != nil {
		r.logger.Printf("media_ws: call %s ended with error: %v", callID, err)
		return
	}
	r.logger.Printf("media_ws: call %s ended", callID)
}

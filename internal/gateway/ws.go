package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// handleWS streams bus events (task.* and report.*) to the dashboard as
// JSON frames. Incoming frames are ignored; the read loop only notices
// the client going away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	user := UserFromContext(r.Context())
	s.logger.Info("ws: client connected", "user", user)

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(s.streams)
	defer cancel()
	readCtx := conn.CloseRead(ctx)

	for {
		select {
		case <-readCtx.Done():
			if s.streams.Err() != nil {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				s.logger.Info("ws: stream closed for shutdown", "user", user)
				return
			}
			s.logger.Info("ws: client disconnected", "user", user)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				s.logger.Warn("ws: write failed, closing", "error", err)
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

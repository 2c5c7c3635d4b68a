package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/montserZalloum/memora/internal/notify"
)

const (
	streamBuffer = 64
	writeTimeout = 10 * time.Second
)

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "alert feed is disabled")
		return
	}
	alerts := s.deps.Alerts.Recent()
	if alerts == nil {
		alerts = []notify.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleAlertStream upgrades to a websocket and pushes every alert raised
// after the connection was opened as one JSON text message. A client that
// cannot keep up misses alerts rather than slowing the sender.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "alert feed is disabled")
		return
	}

	// Subscribe before the handshake completes so nothing raised after the
	// client sees the upgrade is lost.
	alerts, cancel := s.deps.Alerts.Subscribe(streamBuffer)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// Clients never send; CloseRead drains control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(context.Background())
	log := s.log.With(zap.String("remote", r.RemoteAddr))
	log.Debug("alert stream opened")
	mon.Counter("alert_stream_clients").Inc(1)

	for {
		select {
		case <-ctx.Done():
			log.Debug("alert stream closed by client")
			return
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, alert)
			wcancel()
			if err != nil {
				log.Debug("alert stream write failed", zap.Error(err))
				return
			}
		}
	}
}

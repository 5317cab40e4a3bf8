package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleSyncStream pushes the tenant's sync events over a websocket until the
// client goes away. Client messages are ignored.
func (s *Server) handleSyncStream(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOrigins})
	if err != nil {
		s.logger.Warn("sync_stream_accept_failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.engine.Broadcaster().Subscribe(tenantID)
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	s.logger.Info("sync_stream_opened", zap.String("tenant_id", tenantID), zap.String("correlation_id", correlationID))
	defer s.logger.Info("sync_stream_closed", zap.String("tenant_id", tenantID), zap.String("correlation_id", correlationID))

	ping := time.NewTicker(s.cfg.StreamPing)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

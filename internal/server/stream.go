package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"traderelay/internal/relay"
)

// upgrader checks the Origin header against the configured allow list; an
// empty list admits every origin.
func (s *Server) upgrader() websocket.Upgrader {
	allowed := s.cfg.Server.AllowedOrigins
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
}

// handleMarketStream opens one market relay session per downstream client.
func (s *Server) handleMarketStream(c *gin.Context) {
	symbol := strings.ToUpper(c.DefaultQuery("symbol", "BTCUSDT"))

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("market stream upgrade failed")
		return
	}

	session := relay.NewMarketSession(
		s.cfg.Exchange.PublicWSURL,
		symbol,
		conn,
		relay.WithForwardPacing(s.cfg.Relay.MarketPacing),
		relay.WithReconnectWait(s.cfg.Relay.MarketReconnectWait),
	)
	s.runSession(c.Request.Context(), conn, session)
}

// handleOrderStream opens one authenticated order relay session per
// downstream client.
func (s *Server) handleOrderStream(c *gin.Context) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("order stream upgrade failed")
		return
	}

	session := relay.NewOrderSession(
		s.cfg.Exchange.PrivateWSURL,
		s.signer,
		conn,
		relay.WithForwardPacing(s.cfg.Relay.OrdersPacing),
		relay.WithReconnectWait(s.cfg.Relay.OrdersReconnectWait),
	)
	s.runSession(c.Request.Context(), conn, session)
}

// runSession supervises one relay session for the lifetime of the
// downstream connection. The downstream closing is the sole cancellation
// signal; it must promptly tear the upstream down as well.
func (s *Server) runSession(parent context.Context, downstream *websocket.Conn, session *relay.Session) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer downstream.Close()

	// Drain the downstream so close frames are noticed promptly; clients
	// are not expected to send payload.
	go func() {
		defer cancel()
		for {
			if _, _, err := downstream.ReadMessage(); err != nil {
				return
			}
		}
	}()

	session.Run(ctx)
}

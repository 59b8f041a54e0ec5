package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/broadcast"
	"github.com/coachpo/pricefeed/internal/observability"
)

// stream upgrades to a websocket and pushes every accepted update for the requested
// symbols. An empty symbol list subscribes to all symbols.
func (s *httpServer) stream(w http.ResponseWriter, r *http.Request) {
	symbols := splitSymbols(r.URL.Query()["symbols"])
	if len(symbols) > maxSymbolsPerRequest {
		writeError(w, http.StatusBadRequest, errs.CodeInvalid, "too many symbols")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn("stream upgrade failed", observability.F("error", err))
		return
	}
	defer conn.CloseNow()

	// Clients never send frames; CloseRead handles control frames and cancels on close.
	ctx := conn.CloseRead(r.Context())

	sub, err := s.service.Subscribe(ctx, symbols)
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
		return
	}
	defer sub.Close()

	s.logger.Debug("stream opened",
		observability.F("subscription", string(sub.ID())),
		observability.F("symbols", symbols))

	err = s.pump(ctx, conn, sub)
	switch {
	case err == nil:
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
	case errors.Is(err, context.Canceled), websocket.CloseStatus(err) != -1:
	default:
		s.logger.Debug("stream closed", observability.F("error", err))
	}
}

// pump writes updates until the subscription ends or a write fails. A nil return means
// the subscription was closed by the hub.
func (s *httpServer) pump(ctx context.Context, conn *websocket.Conn, sub *broadcast.Subscription) error {
	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return nil
		case update, ok := <-sub.C():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(update)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return err
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

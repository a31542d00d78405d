package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"github.com/coder/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// HandleStream returns the /api/events websocket handler. Each connection
// receives events as JSON text frames. The optional installation_id query
// parameter limits the stream to one installation.
func HandleStream(b *Broker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("websocket accept failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		filter := r.URL.Query().Get("installation_id")

		// The stream is server to client only; CloseRead discards
		// inbound frames and cancels ctx when the peer goes away.
		ctx := conn.CloseRead(r.Context())

		ch, cancel := b.Subscribe(DefaultBuffer)
		defer cancel()

		logger.Info("event stream opened", slog.String("filter", filter))

		err = pump(ctx, conn, ch, filter)

		logger.Info("event stream closed", slog.Any("reason", err))

		if err == nil {
			conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
}

// pump writes events until the context ends or the channel closes. A nil
// return means the broker was closed.
func pump(ctx context.Context, conn *websocket.Conn, ch <-chan models.Event, filter string) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()

			if err != nil {
				return err
			}
		case e, ok := <-ch:
			if !ok {
				return nil
			}

			if filter != "" && e.InstallationID != filter {
				continue
			}

			data, err := json.Marshal(e)
			if err != nil {
				return err
			}

			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()

			if err != nil {
				return err
			}
		}
	}
}

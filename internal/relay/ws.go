package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WSHandler returns an http.HandlerFunc that streams relay events as
// WebSocket text frames, one JSON event per frame. It accepts the same
// ?feeds and ?replay parameters as SSEHandler.
func WSHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := feedFilter(r)
		replay := replayCount(r)

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Debug("relay: websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		// The reader only watches for the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := wsutil.ReadClientData(conn); err != nil {
					return
				}
			}
		}()

		send := func(evt Event) bool {
			if !wanted(filter, evt) {
				return true
			}
			data, err := json.Marshal(evt)
			if err != nil {
				return true
			}
			if err := wsutil.WriteServerText(conn, data); err != nil {
				slog.Debug("relay: websocket write failed", "error", err)
				return false
			}
			return true
		}

		if replay > 0 {
			for _, evt := range broker.Recent(replay) {
				if !send(evt) {
					return
				}
			}
		}

		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok || !send(evt) {
					return
				}
			}
		}
	}
}

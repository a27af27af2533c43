package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// feedFilter parses ?feeds=name1,name2. Nil means every feed.
func feedFilter(r *http.Request) map[string]bool {
	q := r.URL.Query().Get("feeds")
	if q == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, f := range strings.Split(q, ",") {
		if f = strings.TrimSpace(f); f != "" {
			filter[f] = true
		}
	}
	return filter
}

// replayCount parses ?replay=N, the number of past events to send first.
func replayCount(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("replay"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func wanted(filter map[string]bool, evt Event) bool {
	return filter == nil || filter[evt.Feed]
}

// SSEHandler returns an http.HandlerFunc that streams relay events as SSE.
// Clients may filter feeds via ?feeds=name1,name2 and replay recent
// events via ?replay=N.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		filter := feedFilter(r)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		write := func(evt Event) {
			if !wanted(filter, evt) {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Feed, data)
			flusher.Flush()
		}

		if n := replayCount(r); n > 0 {
			for _, evt := range broker.Recent(n) {
				write(evt)
			}
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				write(evt)
			}
		}
	}
}

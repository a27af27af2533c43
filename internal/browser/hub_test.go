package browser

import (
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/types"
)

func TestHubDeliversInPublishOrder(t *testing.T) {
	h := NewHub()
	defer h.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	h.OnRequest(func(r types.Request) {
		mu.Lock()
		got = append(got, "req:"+r.URL)
		mu.Unlock()
	})
	h.OnResponse(func(r types.Response) {
		mu.Lock()
		got = append(got, "resp:"+r.URL)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	h.Publish(types.Request{URL: "a"})
	h.Publish(types.Response{URL: "a"})
	h.Publish(types.Response{URL: "b"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"req:a", "resp:a", "resp:b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q; want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub()
	defer h.Close()

	off := h.OnResponse(func(types.Response) {})
	h.OnRequest(func(types.Request) {})
	if got := h.ObserverCount(); got != 2 {
		t.Fatalf("ObserverCount() = %d; want 2", got)
	}
	off()
	off()
	if got := h.ObserverCount(); got != 1 {
		t.Fatalf("ObserverCount() after unsubscribe = %d; want 1", got)
	}
}

func TestHubObserverMayPublish(t *testing.T) {
	h := NewHub()
	defer h.Close()

	done := make(chan struct{})
	h.OnRequest(func(r types.Request) {
		h.Publish(types.Response{URL: r.URL})
	})
	h.OnResponse(func(types.Response) { close(done) })

	h.Publish(types.Request{URL: "x"})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant publish deadlocked")
	}
}

func TestHubPublishAfterCloseIsDropped(t *testing.T) {
	h := NewHub()
	h.OnRequest(func(types.Request) { t.Error("observer called after Close") })
	h.Close()
	h.Close()
	h.Publish(types.Request{URL: "late"})
	time.Sleep(50 * time.Millisecond)
}

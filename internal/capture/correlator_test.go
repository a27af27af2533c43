package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/browser/browsertest"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

const signURL = "https://tieba.baidu.com/tbmall/onekeySignin1"

func bodyOf(s string) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) { return []byte(s), nil }
}

func waitResult[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := sub.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return v
}

func TestSubscribeResponsePrefixAndMarker(t *testing.T) {
	tab := browsertest.NewSession("acct").Primary()
	c := NewCorrelator()

	sub := c.SubscribeResponse(tab, Match{URLPrefix: signURL, Marker: "data"})
	tab.EmitResponse(types.Response{URL: "https://tieba.baidu.com/other", Status: 200, BodyFunc: bodyOf(`{"data":1}`)})
	tab.EmitResponse(types.Response{URL: signURL, Status: 200, BodyFunc: bodyOf(`{"no":0}`)})
	tab.EmitResponse(types.Response{URL: signURL, Status: 200, BodyFunc: bodyOf(`<html>data</html>`)})
	time.Sleep(50 * time.Millisecond)
	if sub.Done() {
		t.Fatal("subscription resolved on a non-matching response")
	}

	tab.EmitResponse(types.Response{URL: signURL + "?t=1", Status: 200, BodyFunc: bodyOf(`for (;;);{"data":{"signedForumAmount":3}}`)})

	got := waitResult(t, sub)
	if want := `{"data":{"signedForumAmount":3}}`; got != want {
		t.Fatalf("Wait() = %q; want %q", got, want)
	}
	if n := tab.ObserverCount(); n != 0 {
		t.Fatalf("ObserverCount() = %d after resolve; want 0", n)
	}
}

func TestSubscribeResponseRedirectResolvesEmpty(t *testing.T) {
	tab := browsertest.NewSession("acct").Primary()
	sub := NewCorrelator().SubscribeResponse(tab, Match{URLPrefix: signURL, Marker: "data"})
	tab.EmitResponse(types.Response{URL: signURL, Status: 302})

	if got := waitResult(t, sub); got != "" {
		t.Fatalf("Wait() = %q; want empty", got)
	}
}

func TestSubscribeResponseWithoutPrefix(t *testing.T) {
	t.Run("first_body", func(t *testing.T) {
		tab := browsertest.NewSession("acct").Primary()
		sub := NewCorrelator().SubscribeResponse(tab, Match{})
		tab.EmitResponse(types.Response{URL: "https://tieba.baidu.com/", Status: 200, BodyFunc: bodyOf("<html>")})

		if got := waitResult(t, sub); got != "<html>" {
			t.Fatalf("Wait() = %q; want %q", got, "<html>")
		}
	})

	t.Run("unreadable_body", func(t *testing.T) {
		tab := browsertest.NewSession("acct").Primary()
		sub := NewCorrelator().SubscribeResponse(tab, Match{})
		tab.EmitResponse(types.Response{URL: "https://tieba.baidu.com/", Status: 200})

		if got := waitResult(t, sub); got != "" {
			t.Fatalf("Wait() = %q; want empty", got)
		}
	})
}

func TestSubscribeResponseIgnoresFailedLoads(t *testing.T) {
	tab := browsertest.NewSession("acct").Primary()
	sub := NewCorrelator().SubscribeResponse(tab, Match{URLPrefix: signURL})
	tab.EmitResponse(types.Response{URL: signURL, Failed: true})
	tab.EmitResponse(types.Response{URL: signURL, Status: 200, BodyFunc: bodyOf(`{"no":0}`)})

	if got := waitResult(t, sub); got != `{"no":0}` {
		t.Fatalf("Wait() = %q; want %q", got, `{"no":0}`)
	}
}

func TestSubscribeResponseResolvesOnce(t *testing.T) {
	tab := browsertest.NewSession("acct").Primary()
	sub := NewCorrelator().SubscribeResponse(tab, Match{URLPrefix: signURL, Marker: "data"})
	for _, body := range []string{`{"data":1}`, `{"data":2}`, `{"data":3}`} {
		tab.EmitResponse(types.Response{URL: signURL, Status: 200, BodyFunc: bodyOf(body)})
	}

	if got := waitResult(t, sub); got != `{"data":1}` {
		t.Fatalf("Wait() = %q; want the first match", got)
	}
	if n := tab.ObserverCount(); n != 0 {
		t.Fatalf("ObserverCount() = %d after resolve; want 0", n)
	}

	tab.EmitResponse(types.Response{URL: signURL, Status: 200, BodyFunc: bodyOf(`{"data":4}`)})
	time.Sleep(30 * time.Millisecond)
	if got := waitResult(t, sub); got != `{"data":1}` {
		t.Fatalf("Wait() after a later match = %q; want the first match", got)
	}
}

func TestSubscribeResponseKeepsArrivalOrder(t *testing.T) {
	tab := browsertest.NewSession("acct").Primary()
	sub := NewCorrelator().SubscribeResponse(tab, Match{})
	tab.EmitResponse(types.Response{URL: "https://tieba.baidu.com/slow", Status: 200, BodyFunc: func(context.Context) ([]byte, error) {
		time.Sleep(100 * time.Millisecond)
		return []byte("slow"), nil
	}})
	tab.EmitResponse(types.Response{URL: "https://tieba.baidu.com/fast", Status: 200, BodyFunc: bodyOf("fast")})

	if got := waitResult(t, sub); got != "slow" {
		t.Fatalf("Wait() = %q; want the first response's body", got)
	}
}

func TestAwaitResponseDetachesOnTimeout(t *testing.T) {
	tab := browsertest.NewSession("acct").Primary()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewCorrelator().AwaitResponse(ctx, tab, Match{URLPrefix: signURL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitResponse() error = %v; want %v", err, context.DeadlineExceeded)
	}
	if n := tab.ObserverCount(); n != 0 {
		t.Fatalf("ObserverCount() = %d after timeout; want 0", n)
	}
}

func TestSubscriptionCancelIsIdempotent(t *testing.T) {
	tab := browsertest.NewSession("acct").Primary()
	sub := NewCorrelator().SubscribeResponse(tab, Match{URLPrefix: signURL})
	sub.Cancel()
	sub.Cancel()
	if n := tab.ObserverCount(); n != 0 {
		t.Fatalf("ObserverCount() = %d after cancel; want 0", n)
	}

	tab.EmitResponse(types.Response{URL: signURL, Status: 302})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := sub.Wait(ctx); err == nil {
		t.Fatal("Wait() resolved after Cancel")
	}
}

func TestAwaitRequest(t *testing.T) {
	tab := browsertest.NewSession("acct").Primary()
	c := NewCorrelator()
	sub := c.SubscribeRequest(tab, Match{URLPrefix: "https://tieba.baidu.com/sign/add", Marker: "tbs="})

	tab.EmitRequest(types.Request{URL: "https://tieba.baidu.com/sign/add", PostData: "ie=utf-8"})
	tab.EmitRequest(types.Request{
		URL:      "https://tieba.baidu.com/sign/add",
		Headers:  map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		PostData: "kw=%E5%90%A7&tbs=a+b",
	})

	got := waitResult(t, sub)
	if want := "kw=吧&tbs=a+b"; got.Payload != want {
		t.Fatalf("Payload = %q; want %q", got.Payload, want)
	}
	if got.Headers["Content-Type"] != "application/x-www-form-urlencoded" {
		t.Fatalf("Headers = %v; want content type copied", got.Headers)
	}
	if n := tab.ObserverCount(); n != 0 {
		t.Fatalf("ObserverCount() = %d after resolve; want 0", n)
	}
}

func TestDecodePayloadFallsBackToRaw(t *testing.T) {
	if got := decodePayload("a=%zz"); got != "a=%zz" {
		t.Fatalf("decodePayload() = %q; want raw input", got)
	}
}

func TestNormalizeJSON(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{`  for (;;);{"a":1}`, `{"a":1}`, true},
		{`while(1);[1]`, `[1]`, true},
		{`for (;;);for (;;);{"a":1}`, "", false},
		{`not json`, "", false},
		{``, "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeJSON(tt.in, DefaultHijackPrefixes)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("normalizeJSON(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestDeepFind(t *testing.T) {
	tree, ok := DecodeJSON(`{"no":0,"data":{"list":[{"x":1},{"err":"busy"}]}}`)
	if !ok {
		t.Fatal("DecodeJSON() failed")
	}
	v, found := DeepFind(tree, "err")
	if !found || v != "busy" {
		t.Fatalf("DeepFind(err) = %v, %v; want busy, true", v, found)
	}
	if _, found := DeepFind(tree, "missing"); found {
		t.Fatal("DeepFind(missing) found a value")
	}
}

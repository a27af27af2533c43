package netutil

import (
	"errors"
	"net"
	"testing"
)

func TestSelectBindAddrPreferredFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	got, err := SelectBindAddr(addr, nil, false)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if got != addr {
		t.Fatalf("SelectBindAddr() = %q, want %q", got, addr)
	}
}

func TestSelectBindAddrFallback(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	defer func() { _ = busy.Close() }()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen free: %v", err)
	}
	freeAddr := free.Addr().String()
	_ = free.Close()

	got, err := SelectBindAddr(busy.Addr().String(), []string{busy.Addr().String(), freeAddr}, true)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if got != freeAddr {
		t.Fatalf("SelectBindAddr() = %q, want %q", got, freeAddr)
	}
}

func TestSelectBindAddrNoFallback(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	defer func() { _ = busy.Close() }()

	_, err = SelectBindAddr(busy.Addr().String(), []string{"127.0.0.1:0"}, false)
	if !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("SelectBindAddr() error = %v; want ErrAddrInUse", err)
	}
}

func TestSelectBindAddrAllBusy(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	defer func() { _ = busy.Close() }()
	addr := busy.Addr().String()

	if _, err := SelectBindAddr(addr, []string{addr}, true); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("SelectBindAddr() error = %v; want ErrAddrInUse", err)
	}
}

func TestIsAddrAvailableRejectsMalformed(t *testing.T) {
	if _, err := IsAddrAvailable("no-port"); err == nil {
		t.Fatal("IsAddrAvailable(no-port) error = nil; want error")
	}
}

func TestCandidates(t *testing.T) {
	got := Candidates("127.0.0.1", 8088, 3)
	want := []string{"127.0.0.1:8088", "127.0.0.1:8089", "127.0.0.1:8090"}
	if len(got) != len(want) {
		t.Fatalf("Candidates() = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Candidates()[%d] = %q; want %q", i, got[i], want[i])
		}
	}
}

package distributed

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    Addr
		wantErr bool
	}{
		{"tcp://10.0.0.2:7070", Addr{SchemeTCP, "10.0.0.2:7070"}, false},
		{"localhost:7070", Addr{SchemeTCP, "localhost:7070"}, false},
		{"unix:///run/forge.sock", Addr{SchemeUnix, "/run/forge.sock"}, false},
		{"vsock://3:1024", Addr{SchemeVsock, "3:1024"}, false},
		{"vsock://:1024", Addr{SchemeVsock, ":1024"}, false},
		{"vsock://3", Addr{}, true},
		{"vsock://x:1", Addr{}, true},
		{"udp://host:1", Addr{}, true},
		{"tcp://", Addr{}, true},
	}
	for _, tt := range tests {
		got, err := ParseAddr(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAddr(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAddr(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestAddrString(t *testing.T) {
	a := Addr{Scheme: SchemeVsock, Host: "3:1024"}
	if a.String() != "vsock://3:1024" {
		t.Errorf("String() = %q", a.String())
	}
}

func TestDialAndListenUnix(t *testing.T) {
	addr := Addr{Scheme: SchemeUnix, Host: filepath.Join(t.TempDir(), "w.sock")}
	ln, err := Listen(addr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := Dial(context.Background(), addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not accept")
	}
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Dial(ctx, Addr{Scheme: SchemeTCP, Host: "127.0.0.1:1"}, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected error dialing with a cancelled context")
	}
}

func TestDialRetriesThenFails(t *testing.T) {
	// Grab a free port and release it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host := ln.Addr().String()
	ln.Close()

	start := time.Now()
	_, err = Dial(context.Background(), Addr{Scheme: SchemeTCP, Host: host}, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected dial error")
	}
	// Backoff sums to 100+200+400+800ms across five attempts.
	if elapsed := time.Since(start); elapsed < 1500*time.Millisecond {
		t.Errorf("Dial gave up after %v, expected retries with backoff", elapsed)
	}
}

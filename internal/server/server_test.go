package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cachemir/lrukv/pkg/cache"
	"github.com/cachemir/lrukv/pkg/config"
	"github.com/cachemir/lrukv/pkg/protocol"
)

const ioTimeout = 2 * time.Second

func startServer(t *testing.T, mutate func(*config.ServerConfig)) *Server {
	t.Helper()

	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if mutate != nil {
		mutate(cfg)
	}

	c, err := cache.New(cfg.MaxCacheSize)
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}

	srv := New(cfg, c, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("Listen failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancellation")
		}
	})

	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), ioTimeout)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, cmds ...*protocol.Command) {
	t.Helper()
	var frame []byte
	for _, cmd := range cmds {
		data, err := cmd.Serialize()
		if err != nil {
			t.Fatalf("Serialize(%s) failed: %v", cmd, err)
		}
		frame = append(frame, data...)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// expect reads exactly len(want) bytes and compares them to want.
func expect(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading %q failed: %v", want, err)
	}
	if got := string(buf); got != want {
		t.Fatalf("Expected reply %q, got %q", want, got)
	}
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil {
		t.Fatal("Expected connection to be closed, read succeeded")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("Expected connection to be closed, read timed out")
	}
}

func TestServerCommands(t *testing.T) {
	srv := startServer(t, nil)
	conn := dial(t, srv)

	send(t, conn, protocol.NewSet("greeting", "hello world"))
	expect(t, conn, "OK")

	send(t, conn, protocol.NewGet("greeting"))
	expect(t, conn, "hello world")

	send(t, conn, protocol.NewIncr("counter"))
	expect(t, conn, "1")

	send(t, conn, protocol.NewDecr("counter"))
	expect(t, conn, "0")

	send(t, conn, protocol.NewExpire("greeting", 60))
	expect(t, conn, "OK")

	send(t, conn, protocol.NewKeys("*"))
	expect(t, conn, `["counter","greeting"]`)

	send(t, conn, protocol.NewDelete("greeting"))
	expect(t, conn, "Deleted")

	send(t, conn, protocol.NewDelete("greeting"))
	expect(t, conn, "Not Found")

	send(t, conn, protocol.NewKeys("("))
	expect(t, conn, "Invalid pattern")
}

func TestServerMissingKeyWritesNothing(t *testing.T) {
	srv := startServer(t, nil)
	conn := dial(t, srv)

	send(t, conn, protocol.NewGet("missing"))
	send(t, conn, protocol.NewSet("present", "v"))

	// The first bytes on the wire belong to the Set reply.
	expect(t, conn, "OK")
}

func TestServerPipelinedFrames(t *testing.T) {
	srv := startServer(t, nil)
	conn := dial(t, srv)

	send(t, conn,
		protocol.NewSet("a", "1"),
		protocol.NewSet("b", "2"),
		protocol.NewIncr("a"),
		protocol.NewGet("b"),
	)

	expect(t, conn, "OKOK22")
}

func TestServerFrameSplitAcrossWrites(t *testing.T) {
	srv := startServer(t, nil)
	conn := dial(t, srv)

	data, err := protocol.NewSet("split", "value").Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	for _, b := range data {
		if _, err := conn.Write([]byte{b}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	expect(t, conn, "OK")

	send(t, conn, protocol.NewGet("split"))
	expect(t, conn, "value")
}

func TestServerClosesOnMalformedFrame(t *testing.T) {
	srv := startServer(t, nil)
	conn := dial(t, srv)

	if _, err := conn.Write([]byte{0x09, 0x01, 'k'}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	expectClosed(t, conn)

	// Other connections are unaffected.
	other := dial(t, srv)
	send(t, other, protocol.NewSet("k", "v"))
	expect(t, other, "OK")
}

func TestServerConnectionLimit(t *testing.T) {
	srv := startServer(t, func(cfg *config.ServerConfig) { cfg.MaxConns = 1 })

	first := dial(t, srv)
	send(t, first, protocol.NewSet("k", "v"))
	expect(t, first, "OK")

	second := dial(t, srv)
	expectClosed(t, second)

	send(t, first, protocol.NewGet("k"))
	expect(t, first, "v")

	// The slot frees up once the first client leaves.
	_ = first.Close()
	deadline := time.Now().Add(ioTimeout)
	for {
		third := dial(t, srv)
		send(t, third, protocol.NewGet("k"))
		_ = third.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, 1)
		if n, err := third.Read(buf); err == nil && n == 1 && buf[0] == 'v' {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("connection slot was never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerIdleReadTimeout(t *testing.T) {
	srv := startServer(t, func(cfg *config.ServerConfig) { cfg.ReadTimeout = 50 * time.Millisecond })
	conn := dial(t, srv)

	expectClosed(t, conn)
}

func TestServerConcurrentClients(t *testing.T) {
	srv := startServer(t, nil)

	const clients, perClient = 10, 100

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", srv.Addr().String(), ioTimeout)
			if err != nil {
				t.Errorf("dial failed: %v", err)
				return
			}
			defer conn.Close()

			for j := 0; j < perClient; j++ {
				if err := protocol.WriteCommand(conn, protocol.NewIncr("hits")); err != nil {
					t.Errorf("write failed: %v", err)
					return
				}
				_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
				if _, err := protocol.ReadReply(conn); err != nil {
					t.Errorf("read failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	conn := dial(t, srv)
	send(t, conn, protocol.NewGet("hits"))
	expect(t, conn, strconv.Itoa(clients*perClient))
}

func TestServerStopClosesConnections(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	c, err := cache.New(10)
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	srv := New(cfg, c, nil)

	if err := srv.Listen(context.Background()); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	conn := dial(t, srv)
	send(t, conn, protocol.NewSet("k", "v"))
	expect(t, conn, "OK")

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	expectClosed(t, conn)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}

	if err := srv.Listen(context.Background()); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed, got %v", err)
	}
}

func TestServerActiveConnections(t *testing.T) {
	srv := startServer(t, nil)

	first := dial(t, srv)
	second := dial(t, srv)
	for _, conn := range []net.Conn{first, second} {
		send(t, conn, protocol.NewSet("k", "v"))
		expect(t, conn, "OK")
	}

	if got := srv.ActiveConnections(); got != 2 {
		t.Errorf("Expected 2 active connections, got %d", got)
	}

	_ = first.Close()
	deadline := time.Now().Add(ioTimeout)
	for srv.ActiveConnections() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 active connection after close, got %d", srv.ActiveConnections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

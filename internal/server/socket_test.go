package server

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/juinit/internal/ipc"
)

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "srv")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "control.sock")
}

func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	srv, err := Listen(socketPath(t), h, Options{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return srv
}

func TestServeRoundTrip(t *testing.T) {
	srv := startServer(t, &recorder{})
	c := ipc.NewClient(srv.Path(), time.Second)

	resp, err := c.Do(context.Background(), ipc.Request{Kind: ipc.StartService, Name: "web"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Kind != ipc.Success || resp.Message != "Service 'web' started" {
		t.Fatalf("unexpected response %+v", resp)
	}

	resp, err = c.Do(context.Background(), ipc.Request{Kind: ipc.GetStatus, Name: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Kind != ipc.Status || len(resp.Services) != 0 {
		t.Fatalf("expected empty status list, got %+v", resp)
	}
}

func TestSeveralRequestsOneConnection(t *testing.T) {
	srv := startServer(t, &recorder{})
	conn, err := net.Dial("unix", srv.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	for _, name := range []string{"a", "b", "c"} {
		if err := ipc.WriteMessage(conn, ipc.Request{Kind: ipc.StartService, Name: name}); err != nil {
			t.Fatal(err)
		}
		var resp ipc.Response
		if err := ipc.ReadMessage(conn, &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Kind != ipc.Success {
			t.Fatalf("%s: %+v", name, resp)
		}
	}
}

func TestMalformedRequestGetsError(t *testing.T) {
	srv := startServer(t, &recorder{})
	conn, err := net.Dial("unix", srv.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	if err := ipc.WriteFrame(conn, []byte(`{"Reboot":{}}`)); err != nil {
		t.Fatal(err)
	}
	var resp ipc.Response
	if err := ipc.ReadMessage(conn, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Kind != ipc.Error {
		t.Fatalf("expected Error, got %+v", resp)
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	srv := startServer(t, &recorder{})
	conn, err := net.Dial("unix", srv.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], ipc.MaxFrameSize+1)
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatal(err)
	}
	var resp ipc.Response
	if err := ipc.ReadMessage(conn, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Kind != ipc.Error {
		t.Fatalf("expected Error, got %+v", resp)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := HandlerFunc(func(_ context.Context, req ipc.Request) ipc.Response {
		if req.Name == "boom" {
			panic("kaboom")
		}
		return ipc.Successf("fine")
	})
	srv := startServer(t, h)
	c := ipc.NewClient(srv.Path(), time.Second)

	resp, err := c.Do(context.Background(), ipc.Request{Kind: ipc.StartService, Name: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Kind != ipc.Error {
		t.Fatalf("expected Error after panic, got %+v", resp)
	}
	resp, err = c.Do(context.Background(), ipc.Request{Kind: ipc.StartService, Name: "ok"})
	if err != nil || resp.Kind != ipc.Success {
		t.Fatalf("server should survive a panic: %+v %v", resp, err)
	}
}

func TestConcurrentClients(t *testing.T) {
	srv := startServer(t, &recorder{})
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := ipc.NewClient(srv.Path(), 2*time.Second)
			if _, err := c.Do(context.Background(), ipc.Request{Kind: ipc.ListServices}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	// leave the file behind without a listener
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = ln.Close()

	srv, err := Listen(path, &recorder{}, Options{})
	if err != nil {
		t.Fatalf("stale socket should be replaced: %v", err)
	}
	_ = srv.Close()
}

func TestListenRefusesLiveSocket(t *testing.T) {
	srv := startServer(t, &recorder{})
	if _, err := Listen(srv.Path(), &recorder{}, Options{}); err == nil {
		t.Fatal("expected error for a socket that is still served")
	}
}

func TestListenRefusesRegularFile(t *testing.T) {
	path := socketPath(t)
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Listen(path, &recorder{}, Options{}); err == nil {
		t.Fatal("expected error for a non-socket path")
	}
}

func TestCloseRemovesSocket(t *testing.T) {
	srv, err := Listen(socketPath(t), &recorder{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("serve after close: %v", err)
	}
	if _, err := os.Stat(srv.Path()); !os.IsNotExist(err) {
		t.Fatalf("socket file should be gone: %v", err)
	}
}

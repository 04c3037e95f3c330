package serve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/crosstalkhq/crosstalk/internal/health"
	"github.com/crosstalkhq/crosstalk/internal/observe"
	"github.com/crosstalkhq/crosstalk/internal/wsio"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// freeAddr reserves a listen address and releases it for the test to reuse.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// waitReady polls url until it answers 200 or the deadline passes.
func waitReady(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s never became ready", url)
}

func TestNewRouter_StandardEndpoints(t *testing.T) {
	r := NewRouter(testMetrics(t), health.New())
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "role root")
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tc.path, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("GET %s status = %d, want %d", tc.path, resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestNewRouter_RootHandlerReceivesRequests(t *testing.T) {
	r := NewRouter(testMetrics(t), health.New())
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "hello")
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
}

func TestListen_ServesAndDrains(t *testing.T) {
	addr := freeAddr(t)
	r := NewRouter(testMetrics(t), health.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Listen(ctx, Options{Addr: addr}, r, slog.Default())
	}()

	waitReady(t, "http://"+addr+"/healthz")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Listen did not return after cancellation")
	}
}

func TestListen_CancelUnblocksWebSocketRead(t *testing.T) {
	addr := freeAddr(t)
	readDone := make(chan error, 1)

	r := NewRouter(testMetrics(t), health.New())
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		conn, err := wsio.Accept(w, req, slog.Default())
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		_, _, err = conn.Read(req.Context())
		readDone <- err
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Listen(ctx, Options{Addr: addr}, r, slog.Default())
	}()
	waitReady(t, "http://"+addr+"/healthz")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dialCancel()
	conn, err := wsio.Dial(dialCtx, "ws://"+addr+"/", slog.Default())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(1000, "done")

	cancel()

	select {
	case err := <-readDone:
		if err == nil {
			t.Error("blocked read returned nil after shutdown")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not unblock the WebSocket read")
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Listen did not return after cancellation")
	}
}

func TestListen_AddrInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = Listen(ctx, Options{Addr: l.Addr().String()}, http.NotFoundHandler(), slog.Default())
	if err == nil {
		t.Fatal("Listen on a bound address succeeded")
	}
	if !strings.Contains(err.Error(), "serve:") {
		t.Errorf("error %q does not carry the serve prefix", err)
	}
}

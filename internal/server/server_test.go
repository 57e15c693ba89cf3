package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(body)
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "snapback_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	ts := httptest.NewServer(NewMetricsServer("", reg).Handler)
	defer ts.Close()

	code, body := get(t, ts.URL+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, "snapback_test_total 3") {
		t.Fatalf("unexpected /metrics response %d: %s", code, body)
	}
	code, body = get(t, ts.URL+"/healthz")
	if code != http.StatusOK || body != "ok\n" {
		t.Fatalf("unexpected /healthz response %d: %s", code, body)
	}
}

func TestProfilingServer(t *testing.T) {
	ts := httptest.NewServer(NewProfilingServer("").Handler)
	defer ts.Close()

	if code, _ := get(t, ts.URL+"/debug/pprof/"); code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
}

func TestStart(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	lis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	wg := Start(ctx, testr.New(t), NewMetricsServer(addr, prometheus.NewRegistry()), nil)

	var code int
	for i := 0; i < 50; i++ {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			code = resp.StatusCode
			resp.Body.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if code != http.StatusOK {
		t.Fatal("the server did not come up")
	}

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("the server did not shut down")
	}
}

package metrics

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestServerWithListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := NewServer(ln.Addr().String(), zerolog.Nop())
	s.SetListener(ln)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Stop() }()

	LockoutsInvoked.WithLabelValues("alice", "lock", "ok").Inc()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `ktime_lockouts_invoked_total{action="lock",result="ok",user="alice"} 1`) {
		t.Errorf("metrics output missing lockout counter")
	}

	health, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", health.StatusCode)
	}
}

func TestReadiness(t *testing.T) {
	s := NewServer("127.0.0.1:0", zerolog.Nop())

	tests := []struct {
		name  string
		ready func() bool
		want  int
	}{
		{"default", nil, http.StatusOK},
		{"not ready", func() bool { return false }, http.StatusServiceUnavailable},
		{"ready", func() bool { return true }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.ready != nil {
				s.SetReadiness(tt.ready)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStartBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	s := NewServer(ln.Addr().String(), zerolog.Nop())
	if err := s.Start(); err == nil {
		_ = s.Stop()
		t.Fatal("expected bind error for an address in use")
	}
}

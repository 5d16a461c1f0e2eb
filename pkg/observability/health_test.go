package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

func TestRunHealthChecks(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer lis.Close()
	go func() {
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	failed := duplex.New(nil, nil)
	failed.Destroy(errors.New("peer reset"))
	clean := duplex.New(nil, nil)
	clean.Destroy(nil)

	tests := []struct {
		name  string
		check HealthChecker
		want  string
	}{
		{"tcp up", &TCPHealthCheck{CheckName: "tcp", Addr: lis.Addr().String()}, "ok"},
		{"func ok", &FuncHealthCheck{CheckName: "func", CheckFunc: func(context.Context) error { return nil }}, "ok"},
		{"func timeout", &FuncHealthCheck{
			CheckName:    "slow",
			CheckTimeout: 10 * time.Millisecond,
			CheckFunc: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}, "error"},
		{"duplex failed", &DuplexHealthCheck{CheckName: "relay", Duplex: failed}, "error"},
		{"duplex closed cleanly", &DuplexHealthCheck{CheckName: "clean", Duplex: clean}, "ok"},
		{"duplex must be alive", &DuplexHealthCheck{CheckName: "alive", Duplex: clean, RequireAlive: true}, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := RunHealthChecks(context.Background(), tt.check)
			got := report.Checks[tt.check.Name()]
			if got.Status != tt.want {
				t.Errorf("Status = %q (%s), want %q", got.Status, got.Error, tt.want)
			}
			wantOverall := HealthStatusHealthy
			if tt.want != "ok" {
				wantOverall = HealthStatusUnhealthy
			}
			if report.Status != wantOverall {
				t.Errorf("report.Status = %q, want %q", report.Status, wantOverall)
			}
		})
	}
}

func TestHealthRegistry_Handler(t *testing.T) {
	t.Parallel()

	healthy := true
	reg := NewHealthRegistry(&FuncHealthCheck{
		CheckName: "relay",
		CheckFunc: func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("down")
		},
	})

	get := func() (int, HealthReport) {
		rec := httptest.NewRecorder()
		reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var report HealthReport
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			t.Fatalf("report decode error = %v", err)
		}
		return rec.Code, report
	}

	if code, report := get(); code != http.StatusOK || report.Status != HealthStatusHealthy {
		t.Errorf("healthy: code %d status %q", code, report.Status)
	}

	healthy = false
	if code, report := get(); code != http.StatusServiceUnavailable || report.Checks["relay"].Error != "down" {
		t.Errorf("unhealthy: code %d report %+v", code, report)
	}

	reg.Unregister("relay")
	if _, report := get(); len(report.Checks) != 0 {
		t.Errorf("checks after Unregister = %d, want 0", len(report.Checks))
	}
}

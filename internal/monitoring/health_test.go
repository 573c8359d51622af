package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-tilize/internal/device"
	"github.com/23skdu/longbow-tilize/internal/engine"
	"github.com/23skdu/longbow-tilize/internal/queue"
)

type fixedStates []queue.State

func (f fixedStates) States() []queue.State { return f }

func newMonitor(th Thresholds) *HealthMonitor {
	st := queue.NewState("act", device.Queue{Base: 0x1000, Slots: 8, EntrySize: 1120}, false)
	st.AdvanceBy(3)
	return NewHealthMonitor("test", fixedStates{*st}, th)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	hm := newMonitor(Thresholds{})
	h := hm.Handler()

	for _, path := range []string{"/health", "/healthz"} {
		rec := get(t, h, path)
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"healthy"`) {
			t.Errorf("%s body = %s", path, rec.Body)
		}
	}

	hm.AddAlert("error", "queue", "stuck")
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded /healthz = %d, want 503", rec.Code)
	}
	hm.ResolveAlert(0)
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("resolved /healthz = %d, want 200", rec.Code)
	}
}

func TestStatusReportsQueues(t *testing.T) {
	hm := newMonitor(Thresholds{})
	hm.ObservePush(&engine.Result{Duration: 2 * time.Second, Queues: []engine.QueueResult{{Entries: 4}}}, nil)

	rec := get(t, hm.Handler(), "/status")
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if len(status.Queues) != 1 {
		t.Fatalf("queues = %+v", status.Queues)
	}
	q := status.Queues[0]
	if q.Name != "act" || q.WPtr != 3 || q.Occupancy != 3 || q.Phase != "idle" {
		t.Errorf("queue = %+v", q)
	}
	if status.Performance.Pushes != 1 || status.Performance.EntriesPerSec != 2 {
		t.Errorf("performance = %+v", status.Performance)
	}
}

func TestObservePushAlerts(t *testing.T) {
	tests := []struct {
		name   string
		res    *engine.Result
		err    error
		level  string
		status string
	}{
		{"timeout", nil, &queue.TimeoutError{Queue: "act"}, "error", "degraded"},
		{"slow", &engine.Result{Duration: time.Second}, nil, "warning", "healthy"},
		{"fast", &engine.Result{Duration: time.Millisecond}, nil, "", "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := newMonitor(Thresholds{SlowPush: 100 * time.Millisecond})
			hm.ObservePush(tt.res, tt.err)
			s := hm.Status()
			if s.Status != tt.status {
				t.Errorf("status = %s, want %s", s.Status, tt.status)
			}
			if tt.level == "" {
				if len(s.Alerts) != 0 {
					t.Errorf("alerts = %+v, want none", s.Alerts)
				}
				return
			}
			if len(s.Alerts) != 1 || s.Alerts[0].Level != tt.level {
				t.Errorf("alerts = %+v, want one %s", s.Alerts, tt.level)
			}
		})
	}
}

func TestClearAlertsRequiresPost(t *testing.T) {
	hm := newMonitor(Thresholds{})
	hm.AddAlert("critical", "system", "down")
	h := hm.Handler()

	if rec := get(t, h, "/admin/clear-alerts"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET clear = %d, want 405", rec.Code)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST clear = %d", rec.Code)
	}
	if s := hm.Status(); s.Status != "healthy" || len(s.Alerts) != 0 {
		t.Errorf("after clear: %s with %d alerts", s.Status, len(s.Alerts))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newMonitor(Thresholds{}).Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics body missing go runtime collector")
	}
}

package metrics

import (
	"math"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounter_IncAndAdd(t *testing.T) {
	c := NewMetricsCollector()
	ctr := c.Counter("test_total", "test counter", "")

	ctr.Inc()
	ctr.Add(4)
	if ctr.Value() != 5 {
		t.Fatalf("expected 5, got %d", ctr.Value())
	}
}

func TestCounter_SameNameSameInstance(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("dup_total", "", "")
	b := c.Counter("dup_total", "", "")
	a.Inc()
	if b.Value() != 1 {
		t.Fatal("same name should return the same counter")
	}
}

func TestGauge_SetIncDec(t *testing.T) {
	c := NewMetricsCollector()
	g := c.Gauge("test_gauge", "", "")

	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 9 {
		t.Fatalf("expected 9, got %d", g.Value())
	}
}

func TestHistogram_Observe(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("test_seconds", "", "", []float64{1, 5, math.Inf(1)})

	h.Observe(0.5)
	h.Observe(3)
	h.Observe(100)

	if h.count != 3 {
		t.Fatalf("expected count 3, got %d", h.count)
	}
	// 0.5 lands in all buckets, 3 in le=5 and +Inf, 100 only in +Inf
	if h.buckets[0].count != 1 || h.buckets[1].count != 2 || h.buckets[2].count != 3 {
		t.Fatalf("bucket counts wrong: %+v", h.buckets)
	}
}

func TestHandler_ExpositionFormat(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("ragline_test_total", "A test counter", "").Add(7)
	c.Gauge("ragline_test_gauge", "A test gauge", "").Set(3)
	c.Histogram("ragline_test_seconds", "A test histogram", "", []float64{1, math.Inf(1)}).Observe(0.2)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}

	for _, want := range []string{
		"ragline_uptime_seconds",
		"# TYPE ragline_test_total counter",
		"ragline_test_total 7",
		"# TYPE ragline_test_gauge gauge",
		"ragline_test_gauge 3",
		"# TYPE ragline_test_seconds histogram",
		`le="+Inf"} 1`,
		"ragline_test_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q\n%s", want, body)
		}
	}
}

func TestHandler_LabeledCounter(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("ragline_by_channel_total", "per channel", `channel="telegram"`).Inc()

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `ragline_by_channel_total{channel="telegram"} 1`) {
		t.Fatalf("labeled counter missing:\n%s", rec.Body.String())
	}
}

func TestSnapshot(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("snap_total", "", "").Add(2)
	c.Gauge("snap_gauge", "", "").Set(5)

	snap := c.Snapshot()
	if snap["snap_total"] != 2 || snap["snap_gauge"] != 5 {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
}

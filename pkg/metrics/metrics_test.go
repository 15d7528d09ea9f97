package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequest(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("/v1/messages", "translated", "200"))
	ObserveRequest("/v1/messages", "translated", 200, true, time.Now().Add(-time.Second))
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("/v1/messages", "translated", "200"))
	if after-before != 1 {
		t.Fatalf("expected one request recorded, got %v", after-before)
	}
	if n := testutil.CollectAndCount(RequestLatency); n == 0 {
		t.Fatal("expected latency series")
	}
}

func TestObserveRefresh(t *testing.T) {
	ok := testutil.ToFloat64(TokenRefreshes.WithLabelValues("success"))
	bad := testutil.ToFloat64(TokenRefreshes.WithLabelValues("error"))
	ObserveRefresh(nil)
	ObserveRefresh(errors.New("boom"))
	ObserveRefresh(errors.New("boom"))
	if got := testutil.ToFloat64(TokenRefreshes.WithLabelValues("success")) - ok; got != 1 {
		t.Fatalf("success delta = %v", got)
	}
	if got := testutil.ToFloat64(TokenRefreshes.WithLabelValues("error")) - bad; got != 2 {
		t.Fatalf("error delta = %v", got)
	}
}

func TestObserveUsageSkipsZero(t *testing.T) {
	ObserveUsage("gpt-4o", 0, 7)
	if got := testutil.ToFloat64(TokensTotal.WithLabelValues("gpt-4o", "output")); got != 7 {
		t.Fatalf("output tokens = %v", got)
	}
	if got := testutil.ToFloat64(TokensTotal.WithLabelValues("gpt-4o", "input")); got != 0 {
		t.Fatalf("input tokens = %v", got)
	}
}

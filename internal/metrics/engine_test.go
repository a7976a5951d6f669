package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterEngineMetrics_Idempotent(t *testing.T) {
	// Concurrent and repeated registration must not panic with a
	// duplicate-collector error.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RegisterEngineMetrics()
		}()
	}
	wg.Wait()
	RegisterEngineMetrics()
}

func TestObserveEngineQuery(t *testing.T) {
	RegisterEngineMetrics()

	ObserveEngineQuery("solr", 5*time.Millisecond, true)
	ObserveEngineQuery("solr", 5*time.Millisecond, false)

	errs := testutil.ToFloat64(engineErrorsTotal.WithLabelValues("solr"))
	if errs < 1 {
		t.Errorf("expected engine_errors_total >= 1, got %f", errs)
	}
	if testutil.CollectAndCount(engineQueryDuration) == 0 {
		t.Error("expected engine_query_duration_seconds observations")
	}
}

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAddRecordsIgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(recordsTotal.WithLabelValues("skipped"))

	AddRecords("skipped", 0)
	AddRecords("skipped", -3)
	AddRecords("skipped", 2)

	if got := testutil.ToFloat64(recordsTotal.WithLabelValues("skipped")); got != before+2 {
		t.Errorf("skipped = %v, want %v", got, before+2)
	}
}

func TestObserveRunCountsStatus(t *testing.T) {
	before := testutil.ToFloat64(runsTotal.WithLabelValues("done"))

	ObserveRun("done", 3*time.Second)

	if got := testutil.ToFloat64(runsTotal.WithLabelValues("done")); got != before+1 {
		t.Errorf("runs{done} = %v, want %v", got, before+1)
	}
}

func TestObserveProviderCallLabels(t *testing.T) {
	ObserveProviderCall(10*time.Millisecond, nil)
	ObserveProviderCall(10*time.Millisecond, errors.New("boom"))

	if n := testutil.CollectAndCount(providerLatency); n != 2 {
		t.Errorf("provider latency series = %d, want 2", n)
	}
}

func TestAddRecovered(t *testing.T) {
	before := testutil.ToFloat64(recoveredClaims)
	AddRecovered(4)
	AddRecovered(0)
	if got := testutil.ToFloat64(recoveredClaims); got != before+4 {
		t.Errorf("recovered = %v, want %v", got, before+4)
	}
}

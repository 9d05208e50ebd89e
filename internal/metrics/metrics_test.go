package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func TestRecordSync(t *testing.T) {
	before := getCounterValue(SyncsTotal, "jira", "success")
	itemsBefore := getCounterValue(ItemsSyncedTotal, "jira")

	RecordSync("jira", "success", 42*time.Second, 17)

	if got := getCounterValue(SyncsTotal, "jira", "success"); got != before+1 {
		t.Errorf("syncs counter: %v", got)
	}
	if got := getCounterValue(ItemsSyncedTotal, "jira"); got != itemsBefore+17 {
		t.Errorf("items counter: %v", got)
	}
}

func TestRecordInsightCall(t *testing.T) {
	before := getCounterValue(InsightCallsTotal, "gemini", "error")
	RecordInsightCall("gemini", "error")
	if got := getCounterValue(InsightCallsTotal, "gemini", "error"); got != before+1 {
		t.Errorf("insight counter: %v", got)
	}
}

func TestRecordJob(t *testing.T) {
	before := getCounterValue(JobsTotal, "sync_source", "retrying")
	RecordJob("sync_source", "retrying")
	if got := getCounterValue(JobsTotal, "sync_source", "retrying"); got != before+1 {
		t.Errorf("jobs counter: %v", got)
	}
}

type fakeCounter struct{ n int }

func (f *fakeCounter) PendingJobCount() (int, error) { return f.n, nil }

func TestWatchQueueDepth(t *testing.T) {
	stop := make(chan struct{})
	src := &fakeCounter{n: 7}
	done := make(chan struct{})
	go func() {
		WatchQueueDepth(stop, src, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(time.Second)
	for getGaugeValue(QueueDepth) != 7 {
		select {
		case <-deadline:
			close(stop)
			t.Fatalf("gauge never updated: %v", getGaugeValue(QueueDepth))
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(stop)
	<-done
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.MessagePublished("t")
	c.MessageDispatched("t")
	c.HandlerPanic()
	c.SetBusQueueDepth(3)
	c.SetBusLoopAlive(true)
	c.TaskSubmitted()
	c.TaskFinalized("completed")
	c.TaskRequeued()
	c.SubtaskResult("recorded")
	c.SetDistributorQueueDepth(1)
	c.SetActiveTasks(2)
	c.SetDistributorLoopAlive(false)
}

func TestMultipleCollectorsDoNotCollide(t *testing.T) {
	// Each collector owns a private registry, so constructing two with
	// the same namespace must not panic on duplicate registration.
	a := NewCollector("stratus", nil)
	b := NewCollector("stratus", nil)
	a.TaskSubmitted()
	b.TaskSubmitted()
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("stratus", nil)
	c.MessagePublished("weather.updates")
	c.TaskFinalized("completed")
	c.SetBusLoopAlive(true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"stratus_bus_messages_published_total",
		"stratus_distributor_tasks_finalized_total",
		"stratus_bus_loop_alive 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

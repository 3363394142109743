package infra

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pdp-submission-service/internal/domain"
)

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveTransition(domain.SubmissionStatusAccepted)
	m.ObserveDispatch("submitted")
	m.ObservePoll("processing")
	m.ObserveEndpointCall("submit", 120*time.Millisecond, nil)
	m.ObserveTask(domain.TaskReconcile, errors.New("boom"))
	m.ObserveSigning(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`pdp_submission_transitions_total{status="accepted"} 1`,
		`pdp_dispatcher_dispatches_total{outcome="submitted"} 1`,
		`pdp_reconciler_polls_total{verdict="processing"} 1`,
		`pdp_worker_tasks_total{kind="reconcile",result="error"} 1`,
		`pdp_signing_operations_total{result="success"} 1`,
		`pdp_endpoint_request_duration_seconds_count{operation="submit",result="success"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryRender(t *testing.T) {
	r := NewRegistry()
	b := NewBridge()
	b.Register(r)
	r.MustRegister(NewGaugeFunc("taskbridge_pending_commands", "Pending commands.", func() float64 { return 3 }))

	b.Dispatched.Inc("create_task", "push")
	b.Dispatched.Inc("create_task", "push")
	b.Dispatched.Inc("list_lists")
	b.Polled.Inc()

	if got := b.Dispatched.Value("create_task", "push"); got != 2 {
		t.Fatalf("unexpected counter value: %v", got)
	}

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`taskbridge_commands_dispatched_total{kind="create_task",delivery="push"} 2`,
		"taskbridge_commands_polled_total 1",
		"taskbridge_pending_commands 3",
		"# TYPE taskbridge_results_reported_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in output:\n%s", want, body)
		}
	}
	if strings.Contains(body, `kind="list_lists"`) {
		t.Fatalf("wrong-arity increment should be ignored:\n%s", body)
	}
}

func TestFallibleGaugeSkipsFailedSample(t *testing.T) {
	r := NewRegistry()
	fail := true
	r.MustRegister(NewFallibleGaugeFunc("taskbridge_pending_commands", "Pending commands.", func() (float64, error) {
		if fail {
			return 0, errors.New("store unavailable")
		}
		return 4, nil
	}))

	out := r.Render()
	if !strings.Contains(out, "# TYPE taskbridge_pending_commands gauge") {
		t.Fatalf("expected metric header, got:\n%s", out)
	}
	if strings.Contains(out, "taskbridge_pending_commands 0") {
		t.Fatalf("expected failed sample to be omitted, got:\n%s", out)
	}

	fail = false
	if out := r.Render(); !strings.Contains(out, "taskbridge_pending_commands 4\n") {
		t.Fatalf("expected sample after recovery, got:\n%s", out)
	}
}

func TestMustRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r := NewRegistry()
	RegisterProcess(r)
	RegisterProcess(r)
}

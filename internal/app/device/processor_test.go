package device

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/todo-1m/taskbridge/internal/app/dispatch"
	"github.com/todo-1m/taskbridge/internal/contracts"
	"github.com/todo-1m/taskbridge/internal/platform/envelope"
	"github.com/todo-1m/taskbridge/internal/platform/envelope/envelopetest"
	"github.com/todo-1m/taskbridge/internal/store"
)

var issued = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

type fakeExecutor struct {
	accessErr error
	execErr   error
	result    any
	calls     []contracts.Command
}

func (f *fakeExecutor) EnsureAccess(context.Context) error { return f.accessErr }

func (f *fakeExecutor) Execute(_ context.Context, cmd contracts.Command) (any, error) {
	f.calls = append(f.calls, cmd)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.result, nil
}

type fakeReporter struct {
	reports []contracts.ReportRequest
	err     error
}

func (f *fakeReporter) ReportResult(_ context.Context, req contracts.ReportRequest) error {
	f.reports = append(f.reports, req)
	return f.err
}

type harness struct {
	signer   envelope.Signer
	verifier envelope.Verifier
	exec     *fakeExecutor
	reporter *fakeReporter
	proc     *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key := envelopetest.Key(t)
	h := &harness{
		signer:   envelope.NewSigner(key, envelope.DefaultTTL),
		verifier: envelope.NewVerifier(&key.PublicKey),
		exec:     &fakeExecutor{result: contracts.Task{ID: "t1", Title: "Buy milk"}},
		reporter: &fakeReporter{},
	}
	h.signer.Now = func() time.Time { return issued }
	h.verifier.Now = func() time.Time { return issued.Add(5 * time.Second) }
	h.proc = NewProcessor(&h.verifier, h.exec, h.reporter, zerolog.Nop())
	return h
}

func (h *harness) sign(t *testing.T, id string, kind contracts.Kind, payload string) string {
	t.Helper()
	tok, _, err := h.signer.Sign(envelope.Envelope{ID: id, Kind: kind, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	return tok
}

func (h *harness) onlyReport(t *testing.T) contracts.ReportRequest {
	t.Helper()
	if len(h.reporter.reports) != 1 {
		t.Fatalf("expected exactly one report, got %d", len(h.reporter.reports))
	}
	return h.reporter.reports[0]
}

func TestProcess_ExecutesAndReports(t *testing.T) {
	h := newHarness(t)
	out := h.proc.Process(context.Background(), Delivery{ID: "C1", Envelope: h.sign(t, "C1", contracts.KindCreateTask, `{"title":"Buy milk"}`)})

	if out.State != StateExecuted || !out.Success {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(h.exec.calls) != 1 {
		t.Fatalf("expected one execution, got %d", len(h.exec.calls))
	}
	if got, ok := h.exec.calls[0].(*contracts.CreateTask); !ok || got.Title != "Buy milk" {
		t.Fatalf("unexpected command: %#v", h.exec.calls[0])
	}
	rep := h.onlyReport(t)
	if rep.CommandID != "C1" || !rep.Success || rep.Error != "" {
		t.Fatalf("unexpected report: %+v", rep)
	}
	var task contracts.Task
	if err := json.Unmarshal(rep.Result, &task); err != nil || task.ID != "t1" {
		t.Fatalf("unexpected result %s (%v)", rep.Result, err)
	}
}

func TestProcess_ExpiredNeverExecutes(t *testing.T) {
	h := newHarness(t)
	h.verifier.Now = func() time.Time { return issued.Add(61 * time.Second) }

	out := h.proc.Process(context.Background(), Delivery{ID: "C1", Envelope: h.sign(t, "C1", contracts.KindListLists, `{}`)})
	if out.State != StateRejected || out.Reason != ReasonExpired {
		t.Fatalf("expected expired rejection, got %+v", out)
	}
	var verr *VerificationError
	if !errors.As(out.Err, &verr) || !errors.Is(out.Err, envelope.ErrExpired) {
		t.Fatalf("expected VerificationError wrapping ErrExpired, got %v", out.Err)
	}
	if len(h.exec.calls) != 0 {
		t.Fatal("executor must not run for expired envelope")
	}
	rep := h.onlyReport(t)
	if rep.Success || rep.Error != "envelope rejected: expired" {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestProcess_TamperedUsesListingID(t *testing.T) {
	h := newHarness(t)
	tok := h.sign(t, "C1", contracts.KindDeleteTask, `{"task_id":"t1"}`)
	parts := strings.Split(tok, ".")
	forged := parts[0] + "." + parts[1] + "x" + "." + parts[2]

	out := h.proc.Process(context.Background(), Delivery{ID: "C1", Envelope: forged})
	if out.Reason != ReasonSignature {
		t.Fatalf("expected signature rejection, got %+v", out)
	}
	rep := h.onlyReport(t)
	if rep.CommandID != "C1" || rep.Error != "envelope rejected: signature" {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(h.exec.calls) != 0 {
		t.Fatal("executor must not run for forged envelope")
	}
}

func TestProcess_PushRejectionWithoutIDIsNotReported(t *testing.T) {
	h := newHarness(t)
	out := h.proc.Process(context.Background(), Delivery{Envelope: "not-a-token"})
	if out.Reason != ReasonMalformed {
		t.Fatalf("expected malformed, got %+v", out)
	}
	if len(h.reporter.reports) != 0 {
		t.Fatalf("expected no report, got %+v", h.reporter.reports)
	}
}

func TestProcess_PermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.exec.accessErr = errors.New("reminders access revoked")

	out := h.proc.Process(context.Background(), Delivery{Envelope: h.sign(t, "C2", contracts.KindListLists, `{}`)})
	if out.State != StateRejected || out.Reason != ReasonPermissionDenied || !errors.Is(out.Err, ErrPermissionDenied) {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(h.exec.calls) != 0 {
		t.Fatal("executor must not run without permission")
	}
	if rep := h.onlyReport(t); rep.CommandID != "C2" || rep.Success {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestProcess_ExecutionFailureReported(t *testing.T) {
	h := newHarness(t)
	h.exec.execErr = errors.New("task not found: t9")

	out := h.proc.Process(context.Background(), Delivery{Envelope: h.sign(t, "C3", contracts.KindCompleteTask, `{"task_id":"t9"}`)})
	if out.State != StateExecuted || out.Success {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if rep := h.onlyReport(t); rep.Error != "task not found: t9" {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestProcess_BadPayloadForKind(t *testing.T) {
	h := newHarness(t)
	out := h.proc.Process(context.Background(), Delivery{Envelope: h.sign(t, "C4", contracts.KindCreateTask, `{"notes":"no title"}`)})
	if out.State != StateRejected || out.Reason != ReasonPayload {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(h.exec.calls) != 0 {
		t.Fatal("executor must not run for invalid payload")
	}
}

func TestProcess_ReportFailureNotRetried(t *testing.T) {
	h := newHarness(t)
	h.reporter.err = errors.New("connection refused")
	h.proc.Process(context.Background(), Delivery{Envelope: h.sign(t, "C5", contracts.KindListLists, `{}`)})
	if len(h.reporter.reports) != 1 {
		t.Fatalf("expected a single report attempt, got %d", len(h.reporter.reports))
	}
}

func TestProcess_ReexecutesWithoutReplayGuard(t *testing.T) {
	h := newHarness(t)
	tok := h.sign(t, "C6", contracts.KindListLists, `{}`)
	h.proc.Process(context.Background(), Delivery{Envelope: tok})
	h.proc.Process(context.Background(), Delivery{ID: "C6", Envelope: tok})
	if len(h.exec.calls) != 2 {
		t.Fatalf("expected push and poll copies both to run, got %d", len(h.exec.calls))
	}
}

func TestProcess_ReplayGuardDropsDuplicate(t *testing.T) {
	h := newHarness(t)
	guard := NewReplayGuard()
	guard.Now = func() time.Time { return issued }
	h.proc.Replay = guard

	tok := h.sign(t, "C7", contracts.KindListLists, `{}`)
	h.proc.Process(context.Background(), Delivery{Envelope: tok})
	out := h.proc.Process(context.Background(), Delivery{ID: "C7", Envelope: tok})

	if out.Reason != ReasonReplayed {
		t.Fatalf("expected replayed rejection, got %+v", out)
	}
	if len(h.exec.calls) != 1 {
		t.Fatalf("expected one execution, got %d", len(h.exec.calls))
	}
	if rep := h.onlyReport(t); rep.CommandID != "C7" || !rep.Success {
		t.Fatalf("expected only the first success report, got %+v", h.reporter.reports)
	}
}

func TestProcess_ReplayKeepsStoredSuccess(t *testing.T) {
	h := newHarness(t)
	guard := NewReplayGuard()
	guard.Now = func() time.Time { return issued }
	h.proc.Replay = guard
	svc := dispatch.NewService(store.NewMemory(), nil, nil, zerolog.Nop())
	h.proc.Reporter = svc

	tok := h.sign(t, "C1", contracts.KindListLists, `{}`)
	h.proc.Process(context.Background(), Delivery{Envelope: tok})
	h.proc.Process(context.Background(), Delivery{ID: "C1", Envelope: tok})

	got, err := svc.GetResult(context.Background(), "C1")
	if err != nil {
		t.Fatalf("GetResult error: %v", err)
	}
	if !got.Success || got.Error != "" {
		t.Fatalf("expected stored success to survive the duplicate, got %+v", got)
	}
	if len(h.exec.calls) != 1 {
		t.Fatalf("expected one execution, got %d", len(h.exec.calls))
	}
}

func TestProcess_ReplayGuardAdmitsOnlyExecutable(t *testing.T) {
	h := newHarness(t)
	guard := NewReplayGuard()
	guard.Now = func() time.Time { return issued }
	h.proc.Replay = guard

	h.exec.accessErr = errors.New("reminders access revoked")
	tok := h.sign(t, "C9", contracts.KindListLists, `{}`)
	h.proc.Process(context.Background(), Delivery{Envelope: tok})
	h.exec.accessErr = nil
	h.proc.Process(context.Background(), Delivery{Envelope: h.sign(t, "C10", contracts.KindCreateTask, `{}`)})
	if guard.Len() != 0 {
		t.Fatalf("expected rejected commands to stay out of the guard, len=%d", guard.Len())
	}

	out := h.proc.Process(context.Background(), Delivery{ID: "C9", Envelope: tok})
	if out.State != StateExecuted || !out.Success {
		t.Fatalf("expected retry after access restored to execute, got %+v", out)
	}
}

func TestProcess_ForgedPushIsNotReported(t *testing.T) {
	h := newHarness(t)
	tok := h.sign(t, "C11", contracts.KindDeleteTask, `{"task_id":"t1"}`)
	parts := strings.Split(tok, ".")

	out := h.proc.Process(context.Background(), Delivery{Envelope: parts[0] + "." + parts[1] + ".AAAA"})
	if out.Reason != ReasonSignature || out.CommandID != "" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(h.reporter.reports) != 0 {
		t.Fatalf("expected no report for unsigned push, got %+v", h.reporter.reports)
	}
}

func TestProcess_ExpiredPushReportedUnderClaimedID(t *testing.T) {
	h := newHarness(t)
	h.verifier.Now = func() time.Time { return issued.Add(2 * time.Minute) }

	h.proc.Process(context.Background(), Delivery{Envelope: h.sign(t, "C12", contracts.KindListLists, `{}`)})
	if rep := h.onlyReport(t); rep.CommandID != "C12" || rep.Error != "envelope rejected: expired" {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestReplayGuard_ForgetsExpired(t *testing.T) {
	guard := NewReplayGuard()
	now := issued
	guard.Now = func() time.Time { return now }

	if !guard.Admit("a", issued.Unix()+60) {
		t.Fatal("expected first admit")
	}
	if guard.Admit("a", issued.Unix()+60) {
		t.Fatal("expected duplicate to be refused")
	}
	now = issued.Add(2 * time.Minute)
	if !guard.Admit("b", now.Unix()+60) || guard.Len() != 1 {
		t.Fatalf("expected expired entry dropped, len=%d", guard.Len())
	}
}

func TestCorrelationID(t *testing.T) {
	h := newHarness(t)
	tok := h.sign(t, "C8", contracts.KindListLists, `{}`)
	if got := correlationID(Delivery{Envelope: tok}, ReasonExpired); got != "C8" {
		t.Fatalf("expected claimed id, got %q", got)
	}
	if got := correlationID(Delivery{Envelope: tok}, ReasonSignature); got != "" {
		t.Fatalf("expected no id before signature check, got %q", got)
	}
	if got := correlationID(Delivery{ID: "listed", Envelope: tok}, ReasonSignature); got != "listed" {
		t.Fatalf("expected listing id, got %q", got)
	}
}

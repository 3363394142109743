package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pdp-submission-service/internal/domain"
)

func TestDispatch_PendingToSubmitted(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(pendingSubmission("SUB-1", domain.ModeSimulation))

	if err := p.dispatcher.Dispatch(ctx, "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	got := p.repo.get("SUB-1")
	if got.Status != domain.SubmissionStatusSubmitted {
		t.Fatalf("want submitted, got %s", got.Status)
	}
	if got.ProviderReference != "PDP-SUB-1" || got.Attempts != 1 {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.SubmittedAt == nil || !got.SubmittedAt.Equal(testNow) {
		t.Errorf("submitted_at not recorded: %v", got.SubmittedAt)
	}
	content := []byte("<Invoice>INV-2024-001</Invoice>")
	sum := sha256.Sum256(content)
	if got.ArtifactHash != hex.EncodeToString(sum[:]) || got.ArtifactSize != int64(len(content)) {
		t.Errorf("artifact metadata not recorded: hash=%s size=%d", got.ArtifactHash, got.ArtifactSize)
	}
	if got.OriginalFilename != "42.xml" {
		t.Errorf("unexpected filename %q", got.OriginalFilename)
	}
	if p.endpoint.submitCalls != 1 {
		t.Errorf("want exactly one transmission, got %d", p.endpoint.submitCalls)
	}
	if p.endpoint.lastMeta.DocumentNumber != "INV-2024-001" {
		t.Errorf("unexpected meta: %+v", p.endpoint.lastMeta)
	}

	// シミュレーションモードは遅延後に照会する
	task := p.queue.last()
	if task.task.Kind != domain.TaskReconcile || task.task.Lane != domain.DefaultLane {
		t.Errorf("unexpected task: %+v", task.task)
	}
	if want := testNow.Add(p.policy.SimulationDelay); !task.runAt.Equal(want) {
		t.Errorf("want reconcile at %v, got %v", want, task.runAt)
	}
}

func TestDispatch_ProductionMovesToProcessing(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(pendingSubmission("SUB-1", domain.ModeProduction))

	if err := p.dispatcher.Dispatch(ctx, "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got := p.repo.get("SUB-1"); got.Status != domain.SubmissionStatusProcessing {
		t.Fatalf("want processing, got %s", got.Status)
	}
	if want := testNow.Add(p.policy.ReconcileInterval); !p.queue.last().runAt.Equal(want) {
		t.Errorf("want reconcile at %v, got %v", want, p.queue.last().runAt)
	}
}

func TestDispatch_UsesAssemblerWithoutArtifactPath(t *testing.T) {
	s := pendingSubmission("SUB-1", domain.ModeSimulation)
	s.ArtifactPath = ""
	p := newPipeline(s)

	if err := p.dispatcher.Dispatch(context.Background(), "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if p.assembler.calls != 1 {
		t.Errorf("want assembler to be called once, got %d", p.assembler.calls)
	}
	if got := p.repo.get("SUB-1"); got.ArtifactPath != "/artifacts/invoice/42.xml" {
		t.Errorf("artifact path not recorded: %q", got.ArtifactPath)
	}
}

func TestDispatch_AlreadySubmittedIsNoop(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(pendingSubmission("SUB-1", domain.ModeSimulation))

	if err := p.dispatcher.Dispatch(ctx, "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	before := p.repo.get("SUB-1")
	if err := p.dispatcher.Dispatch(ctx, "SUB-1"); err != nil {
		t.Fatalf("second Dispatch failed: %v", err)
	}
	after := p.repo.get("SUB-1")
	if p.endpoint.submitCalls != 1 {
		t.Errorf("want no second transmission, got %d calls", p.endpoint.submitCalls)
	}
	if after.Attempts != before.Attempts || after.Status != before.Status {
		t.Errorf("record changed by redundant dispatch: %+v", after)
	}
}

func TestDispatch_DuplicateArtifactIsNotTransmitted(t *testing.T) {
	sent := pendingSubmission("SUB-SENT", domain.ModeSimulation)
	p := newPipeline(sent, pendingSubmission("SUB-DUP", domain.ModeSimulation))
	ctx := context.Background()

	if err := p.dispatcher.Dispatch(ctx, "SUB-SENT"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if err := p.dispatcher.Dispatch(ctx, "SUB-DUP"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	dup := p.repo.get("SUB-DUP")
	if dup.Status != domain.SubmissionStatusError || dup.ErrorCode != domain.CodeDuplicateSubmission {
		t.Errorf("want duplicate error, got %s / %s", dup.Status, dup.ErrorCode)
	}
	if !strings.Contains(dup.ErrorMessage, "SUB-SENT") {
		t.Errorf("error message should name the original submission: %q", dup.ErrorMessage)
	}
	if p.endpoint.submitCalls != 1 {
		t.Errorf("want one transmission, got %d", p.endpoint.submitCalls)
	}
	if len(p.notifier.rejected) != 1 {
		t.Errorf("want one failure notification, got %d", len(p.notifier.rejected))
	}
}

func TestDispatch_TransientFailureRetriesUntilJobFailed(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(pendingSubmission("SUB-1", domain.ModeSimulation))
	transient := fmt.Errorf("%w: connection reset", domain.ErrTransientTransport)
	p.endpoint.submitErrs = []error{transient, transient, transient}

	if err := p.dispatcher.Dispatch(ctx, "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	got := p.repo.get("SUB-1")
	if got.Status != domain.SubmissionStatusError || got.ErrorCode != domain.CodeTransportError || got.Attempts != 1 {
		t.Fatalf("unexpected record after first failure: %+v", got)
	}
	if got.ErroredAt == nil || got.ErrorMessage == "" {
		t.Error("failure trail not recorded")
	}
	retry := p.queue.last()
	if retry.task.Kind != domain.TaskDispatch || !retry.runAt.Equal(testNow.Add(p.policy.BaseDelay)) {
		t.Errorf("unexpected retry: %+v at %v", retry.task, retry.runAt)
	}
	if len(p.notifier.rejected) != 0 {
		t.Error("retryable failure must not notify")
	}

	if err := p.dispatcher.Dispatch(ctx, "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if retry := p.queue.last(); !retry.runAt.Equal(testNow.Add(2 * p.policy.BaseDelay)) {
		t.Errorf("want exponential backoff, got %v", retry.runAt)
	}

	if err := p.dispatcher.Dispatch(ctx, "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	got = p.repo.get("SUB-1")
	if got.Status != domain.SubmissionStatusError || got.ErrorCode != domain.CodeJobFailed || got.Attempts != 3 {
		t.Fatalf("want JOB_FAILED after 3 attempts, got %+v", got)
	}
	if len(p.notifier.rejected) != 1 {
		t.Fatalf("want exactly one failure notification, got %d", len(p.notifier.rejected))
	}
	if p.queue.count(domain.TaskDispatch) != 2 {
		t.Errorf("want 2 scheduled retries, got %d", p.queue.count(domain.TaskDispatch))
	}

	// 恒久的に失敗したレコードは再送も再通知もしない
	if err := p.dispatcher.Dispatch(ctx, "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if p.endpoint.submitCalls != 3 || len(p.notifier.rejected) != 1 {
		t.Errorf("terminal record was touched: calls=%d notifications=%d", p.endpoint.submitCalls, len(p.notifier.rejected))
	}
}

func TestDispatch_PermanentRefusalIsNotRetried(t *testing.T) {
	p := newPipeline(pendingSubmission("SUB-1", domain.ModeProduction))
	p.endpoint.submitErrs = []error{fmt.Errorf("%w: PDP returned 422", domain.ErrPermanentSubmission)}

	if err := p.dispatcher.Dispatch(context.Background(), "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	got := p.repo.get("SUB-1")
	if got.Status != domain.SubmissionStatusError || got.ErrorCode != domain.CodeSubmissionRefused {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.IsTerminal(p.policy.MaxAttempts) {
		t.Error("refused submission should be terminal")
	}
	if p.queue.count(domain.TaskDispatch) != 0 {
		t.Error("permanent failure must not be retried")
	}
	if len(p.notifier.rejected) != 1 {
		t.Errorf("want one failure notification, got %d", len(p.notifier.rejected))
	}
}

func TestDispatch_ModeWithoutEndpoint(t *testing.T) {
	p := newPipeline(pendingSubmission("SUB-1", domain.ModeProduction))
	delete(p.deps.Endpoints, domain.ModeProduction)
	p.rebuild(DispatchOptions{})

	if err := p.dispatcher.Dispatch(context.Background(), "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got := p.repo.get("SUB-1"); got.ErrorCode != domain.CodeModeUnavailable {
		t.Errorf("want MODE_UNAVAILABLE, got %+v", got)
	}
	if p.endpoint.submitCalls != 0 {
		t.Error("no transmission expected")
	}
}

func TestDispatch_SignsArtifact(t *testing.T) {
	p := newPipeline(pendingSubmission("SUB-1", domain.ModeSimulation))
	p.rebuild(DispatchOptions{SignArtifacts: true, SigningKeyID: "tenant-42"})

	if err := p.dispatcher.Dispatch(context.Background(), "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	got := p.repo.get("SUB-1")
	if got.SigningKeyID != "tenant-42" || got.Signature == "" {
		t.Errorf("signature not recorded: %+v", got)
	}
	if p.endpoint.lastMeta.Signature != got.Signature {
		t.Error("signature should be sent with the artifact")
	}
}

func TestDispatch_SigningKeyMissingFailsPermanently(t *testing.T) {
	s := pendingSubmission("SUB-1", domain.ModeSimulation)
	s.SigningKeyID = "tenant-42"
	p := newPipeline(s)
	p.signer.err = domain.NewKeyNotFound("tenant-42")

	if err := p.dispatcher.Dispatch(context.Background(), "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	got := p.repo.get("SUB-1")
	if got.Status != domain.SubmissionStatusError || got.ErrorCode != domain.CodeSigningError {
		t.Errorf("want SIGNING_ERROR, got %+v", got)
	}
	if !strings.Contains(got.ErrorMessage, "tenant-42") {
		t.Errorf("error should name the key: %q", got.ErrorMessage)
	}
	if p.endpoint.submitCalls != 0 {
		t.Error("unsigned artifact must not be transmitted")
	}
	if p.queue.count(domain.TaskDispatch) != 0 {
		t.Error("missing key must not be retried")
	}
}

func TestDispatch_MissingDocument(t *testing.T) {
	s := pendingSubmission("SUB-1", domain.ModeSimulation)
	s.Document = domain.DocumentRef{Kind: domain.DocumentKindCreditNote, ID: "404"}
	p := newPipeline(s)

	if err := p.dispatcher.Dispatch(context.Background(), "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	got := p.repo.get("SUB-1")
	if got.ErrorCode != domain.CodeDocumentNotFound {
		t.Errorf("want DOCUMENT_NOT_FOUND, got %+v", got)
	}
	// 文書が解決できなくても通知は届く
	if len(p.notifier.rejected) != 1 || p.notifier.docs[0].Number != "404" {
		t.Errorf("want fallback notification, got %d", len(p.notifier.rejected))
	}
}

func TestDispatch_NotFound(t *testing.T) {
	p := newPipeline()
	err := p.dispatcher.Dispatch(context.Background(), "SUB-MISSING")
	if !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Errorf("want ErrSubmissionNotFound, got %v", err)
	}
}

func TestDispatch_RecordFailureError(t *testing.T) {
	p := newPipeline(pendingSubmission("SUB-1", domain.ModeSimulation))
	p.repo.transitionErr = errBoom

	if err := p.dispatcher.Dispatch(context.Background(), "SUB-1"); !errors.Is(err, errBoom) {
		t.Errorf("want repository error, got %v", err)
	}
	if p.endpoint.submitCalls != 0 {
		t.Error("no transmission without a claim")
	}
}

func TestDispatch_TransmittedButUnrecordedIsNotResent(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(pendingSubmission("SUB-1", domain.ModeSimulation))
	p.repo.failTo = domain.SubmissionStatusSubmitted

	err := p.dispatcher.Dispatch(ctx, "SUB-1")
	if !errors.Is(err, errBoom) {
		t.Fatalf("want repository error, got %v", err)
	}
	if !strings.Contains(err.Error(), "PDP-SUB-1") {
		t.Errorf("error should carry the provider reference, got %q", err)
	}

	got := p.repo.get("SUB-1")
	if got.Status != domain.SubmissionStatusSubmitting {
		t.Fatalf("want record left in submitting, got %s (%s)", got.Status, got.ErrorCode)
	}
	if n := p.queue.count(domain.TaskDispatch); n != 0 {
		t.Errorf("want no dispatch retry, got %d", n)
	}
	if n := p.queue.count(domain.TaskReconcile); n != 0 {
		t.Errorf("want no reconciliation, got %d", n)
	}
	if len(p.notifier.rejected) != 0 {
		t.Errorf("want no failure notification, got %d", len(p.notifier.rejected))
	}

	// 手動の再ディスパッチでも再送しない
	p.repo.failTo = ""
	if err := p.dispatcher.Dispatch(ctx, "SUB-1"); err != nil {
		t.Fatalf("second Dispatch failed: %v", err)
	}
	if p.endpoint.submitCalls != 1 {
		t.Errorf("want exactly one transmission, got %d", p.endpoint.submitCalls)
	}
}

func TestDispatch_TransientRecordFailureIsRetried(t *testing.T) {
	p := newPipeline(pendingSubmission("SUB-1", domain.ModeSimulation))
	p.repo.failTo = domain.SubmissionStatusSubmitted
	go func() {
		// 最初の書き込み失敗の後に復旧する
		time.Sleep(successWriteBackoff / 2)
		p.repo.mu.Lock()
		p.repo.failTo = ""
		p.repo.mu.Unlock()
	}()

	if err := p.dispatcher.Dispatch(context.Background(), "SUB-1"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	got := p.repo.get("SUB-1")
	if got.Status != domain.SubmissionStatusSubmitted || got.ProviderReference != "PDP-SUB-1" {
		t.Errorf("want submitted with provider reference, got %s %q", got.Status, got.ProviderReference)
	}
	if p.endpoint.submitCalls != 1 {
		t.Errorf("want exactly one transmission, got %d", p.endpoint.submitCalls)
	}
}

func TestRequeueOrphaned(t *testing.T) {
	old := testNow.Add(-2 * time.Hour)
	recent := testNow.Add(-10 * time.Minute)
	record := func(id string, status domain.SubmissionStatus, attempts int, code string, updated time.Time) *domain.Submission {
		s := pendingSubmission(id, domain.ModeSimulation)
		s.Status = status
		s.Attempts = attempts
		s.ErrorCode = code
		s.UpdatedAt = updated
		return s
	}
	p := newPipeline(
		record("SUB-PENDING", domain.SubmissionStatusPending, 0, "", old),
		record("SUB-FRESH", domain.SubmissionStatusPending, 0, "", recent),
		record("SUB-RETRY", domain.SubmissionStatusError, 1, domain.CodeTransportError, old),
		record("SUB-FAILED", domain.SubmissionStatusError, 1, domain.CodeJobFailed, old),
		record("SUB-EXHAUSTED", domain.SubmissionStatusError, 3, domain.CodeTransportError, old),
		record("SUB-SUBMITTING", domain.SubmissionStatusSubmitting, 1, "", old),
	)

	n, err := p.dispatcher.RequeueOrphaned(context.Background())
	if err != nil {
		t.Fatalf("RequeueOrphaned failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 requeued, got %d", n)
	}
	var ids []string
	for _, st := range p.queue.tasks {
		if st.task.Kind != domain.TaskDispatch || !st.runAt.Equal(testNow) {
			t.Errorf("want immediate dispatch task, got %+v", st)
		}
		ids = append(ids, st.task.SubmissionID)
	}
	if strings.Join(ids, ",") != "SUB-PENDING,SUB-RETRY" {
		t.Errorf("want SUB-PENDING,SUB-RETRY requeued, got %v", ids)
	}
}

func TestRequeueOrphaned_Disabled(t *testing.T) {
	p := newPipeline(pendingSubmission("SUB-1", domain.ModeSimulation))
	p.policy.OrphanAfter = 0
	p.rebuild(DispatchOptions{})

	n, err := p.dispatcher.RequeueOrphaned(context.Background())
	if err != nil || n != 0 {
		t.Errorf("want 0, nil when disabled, got %d, %v", n, err)
	}
}

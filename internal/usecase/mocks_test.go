package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pdp-submission-service/internal/domain"
)

// memSubmissionRepository は条件付き遷移を再現するインメモリのリポジトリ。
type memSubmissionRepository struct {
	mu      sync.Mutex
	records map[string]*domain.Submission
	// transitionErr が設定されている場合、Transition は常にこのエラーを返す。
	transitionErr error
	// failTo への遷移だけを errBoom で失敗させる。
	failTo domain.SubmissionStatus
}

func newMemSubmissionRepository(subs ...*domain.Submission) *memSubmissionRepository {
	r := &memSubmissionRepository{records: make(map[string]*domain.Submission)}
	for _, s := range subs {
		cp := *s
		r.records[s.SubmissionID] = &cp
	}
	return r
}

func (r *memSubmissionRepository) Create(ctx context.Context, s *domain.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[s.SubmissionID]; ok {
		return domain.ErrSubmissionAlreadyExists
	}
	s.ID = "id-" + s.SubmissionID
	cp := *s
	r.records[s.SubmissionID] = &cp
	return nil
}

func (r *memSubmissionRepository) FindBySubmissionID(ctx context.Context, submissionID string) (*domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.records[submissionID]
	if !ok {
		return nil, domain.ErrSubmissionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSubmissionRepository) FindByProviderReference(ctx context.Context, ref string) (*domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.records {
		if ref != "" && s.ProviderReference == ref {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrSubmissionNotFound
}

func (r *memSubmissionRepository) FindInFlightByArtifactHash(ctx context.Context, hash, exclude string) (*domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.records {
		if s.SubmissionID != exclude && s.ArtifactHash == hash && s.Status.InFlightOrResolved() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memSubmissionRepository) FindStale(ctx context.Context, before time.Time, limit int) ([]*domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []*domain.Submission
	for _, s := range r.records {
		if s.Status.AwaitingVerdict() && s.SubmittedAt != nil && s.SubmittedAt.Before(before) {
			cp := *s
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].SubmissionID < stale[j].SubmissionID })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *memSubmissionRepository) FindOrphaned(ctx context.Context, before time.Time, maxAttempts, limit int) ([]*domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var orphaned []*domain.Submission
	for _, s := range r.records {
		if !s.UpdatedAt.Before(before) {
			continue
		}
		retryable := s.Status == domain.SubmissionStatusError && !s.IsTerminal(maxAttempts)
		if s.Status == domain.SubmissionStatusPending || retryable {
			cp := *s
			orphaned = append(orphaned, &cp)
		}
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].SubmissionID < orphaned[j].SubmissionID })
	if len(orphaned) > limit {
		orphaned = orphaned[:limit]
	}
	return orphaned, nil
}

func (r *memSubmissionRepository) Transition(ctx context.Context, submissionID string, t domain.Transition) (*domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitionErr != nil {
		return nil, r.transitionErr
	}
	if r.failTo != "" && t.To == r.failTo {
		return nil, errBoom
	}
	s, ok := r.records[submissionID]
	if !ok {
		return nil, domain.ErrSubmissionNotFound
	}
	allowed := false
	for _, from := range t.From {
		if s.Status == from {
			allowed = true
		}
	}
	if !allowed {
		return nil, domain.ErrStateMismatch
	}
	next := *s
	next.Status = t.To
	if t.Apply != nil {
		t.Apply(&next)
	}
	r.records[submissionID] = &next
	cp := next
	return &cp, nil
}

func (r *memSubmissionRepository) get(id string) *domain.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.records[id]
	return &cp
}

type mockResolver struct {
	docs map[domain.DocumentRef]*domain.Document
	err  error
}

func (m *mockResolver) Resolve(ctx context.Context, ref domain.DocumentRef) (*domain.Document, error) {
	if m.err != nil {
		return nil, m.err
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	doc, ok := m.docs[ref]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return doc, nil
}

type mockAssembler struct {
	path  string
	err   error
	calls int
}

func (m *mockAssembler) ProduceArtifact(ctx context.Context, ref domain.DocumentRef) (string, error) {
	m.calls++
	return m.path, m.err
}

type mockArtifacts struct {
	files map[string][]byte
}

func (m *mockArtifacts) Read(ctx context.Context, path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, domain.ErrArtifactNotFound
	}
	return data, nil
}

// scriptedEndpoint は呼び出しごとに用意された結果を返す Endpoint。
type scriptedEndpoint struct {
	mu           sync.Mutex
	submitErrs   []error
	submitCalls  int
	statuses     []domain.StatusResult
	statusErrs   []error
	statusCalls  int
	lastMeta     domain.SubmissionMeta
	lastArtifact []byte
}

func (e *scriptedEndpoint) Submit(ctx context.Context, artifact []byte, meta domain.SubmissionMeta) (domain.SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitCalls++
	e.lastMeta = meta
	e.lastArtifact = artifact
	if n := e.submitCalls - 1; n < len(e.submitErrs) && e.submitErrs[n] != nil {
		return domain.SubmitResult{}, e.submitErrs[n]
	}
	return domain.SubmitResult{Accepted: true, ProviderReference: "PDP-" + meta.SubmissionID}, nil
}

func (e *scriptedEndpoint) CheckStatus(ctx context.Context, ref string) (domain.StatusResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.statusCalls
	e.statusCalls++
	if n < len(e.statusErrs) && e.statusErrs[n] != nil {
		return domain.StatusResult{}, e.statusErrs[n]
	}
	if n < len(e.statuses) {
		return e.statuses[n], nil
	}
	return domain.StatusResult{Status: domain.VerdictProcessing}, nil
}

type scheduledTask struct {
	task  domain.Task
	runAt time.Time
}

type mockQueue struct {
	mu    sync.Mutex
	tasks []scheduledTask
	err   error
}

func (q *mockQueue) Enqueue(ctx context.Context, task domain.Task, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, scheduledTask{task: task, runAt: runAt})
	return nil
}

func (q *mockQueue) last() scheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[len(q.tasks)-1]
}

func (q *mockQueue) count(kind domain.TaskKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.task.Kind == kind {
			n++
		}
	}
	return n
}

type mockNotifier struct {
	mu       sync.Mutex
	accepted []*domain.Submission
	rejected []*domain.Submission
	docs     []*domain.Document
	err      error
}

func (n *mockNotifier) NotifyAccepted(ctx context.Context, s *domain.Submission, doc *domain.Document) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accepted = append(n.accepted, s)
	n.docs = append(n.docs, doc)
	return n.err
}

func (n *mockNotifier) NotifyRejected(ctx context.Context, s *domain.Submission, doc *domain.Document) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected = append(n.rejected, s)
	n.docs = append(n.docs, doc)
	return n.err
}

type mockSigner struct {
	err   error
	calls int
	keyID string
}

func (m *mockSigner) Sign(ctx context.Context, data []byte, keyID string, alg domain.SignatureAlgorithm) (string, error) {
	m.calls++
	m.keyID = keyID
	if m.err != nil {
		return "", m.err
	}
	return "c2lnbmF0dXJl", nil
}

var errBoom = errors.New("boom")

var (
	testInvoiceRef = domain.DocumentRef{Kind: domain.DocumentKindInvoice, ID: "42"}
	testNow        = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

// pipeline はテスト用に組み立てた送信パイプライン。
type pipeline struct {
	repo       *memSubmissionRepository
	endpoint   *scriptedEndpoint
	queue      *mockQueue
	notifier   *mockNotifier
	assembler  *mockAssembler
	signer     *mockSigner
	deps       PipelineDeps
	policy     RetryPolicy
	dispatcher *SubmissionDispatcher
	reconciler *ResponseReconciler
}

func newPipeline(subs ...*domain.Submission) *pipeline {
	p := &pipeline{
		repo:      newMemSubmissionRepository(subs...),
		endpoint:  &scriptedEndpoint{},
		queue:     &mockQueue{},
		notifier:  &mockNotifier{},
		assembler: &mockAssembler{path: "/artifacts/invoice/42.xml"},
		signer:    &mockSigner{},
		policy: RetryPolicy{
			MaxAttempts:       3,
			BaseDelay:         30 * time.Second,
			MaxDelay:          30 * time.Minute,
			ReconcileInterval: 2 * time.Minute,
			SimulationDelay:   5 * time.Minute,
			StaleAfter:        72 * time.Hour,
			OrphanAfter:       time.Hour,
			RequestTimeout:    time.Second,
		},
	}
	p.deps = PipelineDeps{
		Submissions: p.repo,
		Documents: &mockResolver{docs: map[domain.DocumentRef]*domain.Document{
			testInvoiceRef: {Ref: testInvoiceRef, Number: "INV-2024-001", UserID: "user-1"},
		}},
		Assembler: p.assembler,
		Artifacts: &mockArtifacts{files: map[string][]byte{
			"/artifacts/invoice/42.xml": []byte("<Invoice>INV-2024-001</Invoice>"),
			"/artifacts/invoice/43.xml": []byte("<Invoice>INV-2024-002</Invoice>"),
		}},
		Endpoints: EndpointSet{
			domain.ModeSimulation: p.endpoint,
			domain.ModeProduction: p.endpoint,
		},
		Queue:    p.queue,
		Notifier: p.notifier,
		Signer:   p.signer,
	}
	p.rebuild(DispatchOptions{})
	return p
}

// rebuild は deps や policy の変更後にディスパッチャーとリコンサイラーを作り直す。
func (p *pipeline) rebuild(opts DispatchOptions) {
	p.dispatcher = NewSubmissionDispatcher(p.deps, p.policy, opts)
	p.dispatcher.now = func() time.Time { return testNow }
	p.reconciler = NewResponseReconciler(p.deps, p.policy)
	p.reconciler.now = func() time.Time { return testNow }
}

func pendingSubmission(id string, mode domain.Mode) *domain.Submission {
	return &domain.Submission{
		SubmissionID: id,
		Document:     testInvoiceRef,
		UserID:       "user-1",
		Status:       domain.SubmissionStatusPending,
		Mode:         mode,
		ArtifactPath: "/artifacts/invoice/42.xml",
	}
}

func processingSubmission(id string) *domain.Submission {
	submittedAt := testNow.Add(-time.Hour)
	return &domain.Submission{
		SubmissionID:      id,
		Document:          testInvoiceRef,
		UserID:            "user-1",
		Status:            domain.SubmissionStatusProcessing,
		Mode:              domain.ModeProduction,
		ProviderReference: "PDP-" + id,
		Attempts:          1,
		SubmittedAt:       &submittedAt,
	}
}

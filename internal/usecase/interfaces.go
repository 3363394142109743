// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"time"

	"pdp-submission-service/internal/domain"
)

// SubmissionRepository は送信レコードのデータアクセスのインターフェース。
type SubmissionRepository interface {
	Create(ctx context.Context, s *domain.Submission) error
	FindBySubmissionID(ctx context.Context, submissionID string) (*domain.Submission, error)
	FindByProviderReference(ctx context.Context, providerReference string) (*domain.Submission, error)
	// FindInFlightByArtifactHash は同じ成果物で送信済みのレコードを返す。なければ nil。
	FindInFlightByArtifactHash(ctx context.Context, artifactHash, excludeSubmissionID string) (*domain.Submission, error)
	FindStale(ctx context.Context, before time.Time, limit int) ([]*domain.Submission, error)
	// FindOrphaned は before 以降更新のない pending と再送可能な error のレコードを返す。
	FindOrphaned(ctx context.Context, before time.Time, maxAttempts, limit int) ([]*domain.Submission, error)
	// Transition は条件付きで状態を更新する。先行された場合は domain.ErrStateMismatch を返す。
	Transition(ctx context.Context, submissionID string, t domain.Transition) (*domain.Submission, error)
}

// DocumentResolver は文書参照を解決する。
type DocumentResolver interface {
	Resolve(ctx context.Context, ref domain.DocumentRef) (*domain.Document, error)
}

// DocumentAssembler は確定済み文書の成果物を生成する。
type DocumentAssembler interface {
	ProduceArtifact(ctx context.Context, ref domain.DocumentRef) (string, error)
}

// ArtifactReader は成果物の内容を読み込む。
type ArtifactReader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// Endpoint はPDPへの送信と状態照会を行う。
type Endpoint interface {
	Submit(ctx context.Context, artifact []byte, meta domain.SubmissionMeta) (domain.SubmitResult, error)
	CheckStatus(ctx context.Context, providerRef string) (domain.StatusResult, error)
}

// EndpointSet は動作モードごとの Endpoint。
type EndpointSet map[domain.Mode]Endpoint

// TaskQueue は遅延タスクの登録先。
type TaskQueue interface {
	Enqueue(ctx context.Context, task domain.Task, runAt time.Time) error
}

// NotificationSink は送信結果の通知先。エラーは記録のみで伝播しない。
type NotificationSink interface {
	NotifyAccepted(ctx context.Context, s *domain.Submission, doc *domain.Document) error
	NotifyRejected(ctx context.Context, s *domain.Submission, doc *domain.Document) error
}

// Signer は成果物に署名する。
type Signer interface {
	Sign(ctx context.Context, data []byte, keyID string, alg domain.SignatureAlgorithm) (string, error)
}

// Metrics はパイプラインの計測値を記録する。
type Metrics interface {
	ObserveTransition(to domain.SubmissionStatus)
	ObserveDispatch(outcome string)
	ObservePoll(verdict string)
	ObserveEndpointCall(operation string, d time.Duration, err error)
	ObserveSigning(err error)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(domain.SubmissionStatus)        {}
func (nopMetrics) ObserveDispatch(string)                           {}
func (nopMetrics) ObservePoll(string)                               {}
func (nopMetrics) ObserveEndpointCall(string, time.Duration, error) {}
func (nopMetrics) ObserveSigning(error)                             {}

// PipelineDeps はディスパッチャーとリコンサイラーが共有する依存。
type PipelineDeps struct {
	Submissions SubmissionRepository
	Documents   DocumentResolver
	Assembler   DocumentAssembler
	Artifacts   ArtifactReader
	Endpoints   EndpointSet
	Queue       TaskQueue
	Notifier    NotificationSink
	// Signer は成果物署名を行わない構成では nil。
	Signer  Signer
	Metrics Metrics
}

func (d PipelineDeps) metrics() Metrics {
	if d.Metrics == nil {
		return nopMetrics{}
	}
	return d.Metrics
}

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter はルーターを生成する。metrics が nil の場合 /metrics は公開しない。
func NewRouter(submissions *SubmissionHandler, signing *SigningHandler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Route("/submissions", func(r chi.Router) {
			r.Post("/", submissions.CreateSubmission)
			r.Get("/{submission_id}", submissions.GetSubmission)
			r.Post("/{submission_id}/dispatch", submissions.DispatchSubmission)
		})
		r.Post("/pdp/callbacks", submissions.HandleCallback)
		r.Get("/users/{user_id}/notifications", submissions.ListNotifications)

		r.Route("/keys", func(r chi.Router) {
			r.Post("/", signing.CreateKey)
			r.Get("/", signing.ListKeys)
			r.Get("/{key_id}", signing.GetKey)
			r.Delete("/{key_id}", signing.DeleteKey)
			r.Get("/{key_id}/certificate", signing.GetCertificate)
			r.Put("/{key_id}/certificate", signing.StoreCertificate)
			r.Post("/{key_id}/sign", signing.Sign)
			r.Post("/{key_id}/verify", signing.Verify)
		})
		r.Get("/signing/status", signing.Status)
	})

	return otelhttp.NewHandler(r, "pdp-submission-service",
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/healthz" && req.URL.Path != "/metrics"
		}),
	)
}

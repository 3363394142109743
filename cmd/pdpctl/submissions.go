package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type submission struct {
	SubmissionID      string `json:"submission_id"`
	DocumentKind      string `json:"document_kind"`
	DocumentID        string `json:"document_id"`
	UserID            string `json:"user_id"`
	Status            string `json:"status"`
	Mode              string `json:"mode"`
	ProviderReference string `json:"provider_reference"`
	Attempts          int    `json:"attempts"`
	PollCount         int    `json:"poll_count"`
	ErrorCode         string `json:"error_code"`
	ErrorMessage      string `json:"error_message"`
	ArtifactHash      string `json:"artifact_hash"`
	SubmittedAt       string `json:"submitted_at"`
	AcceptedAt        string `json:"accepted_at"`
	RejectedAt        string `json:"rejected_at"`
	ErroredAt         string `json:"errored_at"`
}

func printSubmission(w io.Writer, s submission) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Submission:\t%s\n", s.SubmissionID)
	fmt.Fprintf(tw, "Document:\t%s:%s\n", s.DocumentKind, s.DocumentID)
	fmt.Fprintf(tw, "Status:\t%s\n", s.Status)
	fmt.Fprintf(tw, "Mode:\t%s\n", s.Mode)
	fmt.Fprintf(tw, "Attempts:\t%d (polls: %d)\n", s.Attempts, s.PollCount)
	optional := []struct{ label, value string }{
		{"Reference:", s.ProviderReference},
		{"Artifact:", s.ArtifactHash},
		{"Submitted:", s.SubmittedAt},
		{"Accepted:", s.AcceptedAt},
		{"Rejected:", s.RejectedAt},
		{"Errored:", s.ErroredAt},
	}
	for _, o := range optional {
		if o.value != "" {
			fmt.Fprintf(tw, "%s\t%s\n", o.label, o.value)
		}
	}
	if s.ErrorCode != "" {
		fmt.Fprintf(tw, "Error:\t[%s] %s\n", s.ErrorCode, s.ErrorMessage)
	}
	tw.Flush()
}

// submitCmd は文書の送信を登録するコマンド。
func submitCmd() *cobra.Command {
	var kind, documentID, submissionID, mode, userID, artifactPath, keyID string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Register a document for submission to the PDP",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/v1/submissions", map[string]interface{}{
				"submission_id":  submissionID,
				"document":       map[string]string{"kind": kind, "id": documentID},
				"user_id":        userID,
				"mode":           mode,
				"artifact_path":  artifactPath,
				"signing_key_id": keyID,
			}, http.StatusAccepted)
			if err != nil {
				return err
			}
			var s submission
			return render(cmd, body, &s, func(w io.Writer) {
				fmt.Fprintf(w, "Submission %s queued (%s, %s)\n", s.SubmissionID, s.Status, s.Mode)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "invoice", "Document kind: invoice, credit_note")
	cmd.Flags().StringVar(&documentID, "document", "", "Document ID (required)")
	cmd.Flags().StringVar(&submissionID, "id", "", "Submission ID (generated if empty)")
	cmd.Flags().StringVar(&mode, "mode", "", "Mode: simulation, production (server default if empty)")
	cmd.Flags().StringVar(&userID, "user", "", "Owning user (document owner if empty)")
	cmd.Flags().StringVar(&artifactPath, "artifact", "", "Path of a pre-built artifact")
	cmd.Flags().StringVar(&keyID, "signing-key", "", "Key ID used to sign the artifact")
	cmd.MarkFlagRequired("document")
	return cmd
}

// statusCmd は送信レコードの状態を表示するコマンド。
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status SUBMISSION_ID",
		Short: "Show the state of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/submissions/"+url.PathEscape(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			var s submission
			return render(cmd, body, &s, func(w io.Writer) {
				printSubmission(w, s)
			})
		},
	}
}

// dispatchCmd は送信レコードのディスパッチを手動でスケジュールするコマンド。
func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch SUBMISSION_ID",
		Short: "Schedule a dispatch of a submission now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/v1/submissions/"+url.PathEscape(args[0])+"/dispatch", nil, http.StatusAccepted)
			if err != nil {
				return err
			}
			var s submission
			return render(cmd, body, &s, func(w io.Writer) {
				fmt.Fprintf(w, "Dispatch scheduled for %s (currently %s)\n", s.SubmissionID, s.Status)
			})
		},
	}
}

// notificationsCmd は利用者のアプリ内通知を表示するコマンド。
func notificationsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications USER_ID",
		Short: "List in-app notifications of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/users/" + url.PathEscape(args[0]) + "/notifications?limit=" + strconv.Itoa(limit)
			body, err := callAPI(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Notifications []struct {
					SubmissionID string `json:"submission_id"`
					Kind         string `json:"kind"`
					Title        string `json:"title"`
					Read         bool   `json:"read"`
					CreatedAt    string `json:"created_at"`
				} `json:"notifications"`
			}
			return render(cmd, body, &result, func(out io.Writer) {
				w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "CREATED AT\tSUBMISSION\tKIND\tREAD\tTITLE")
				for _, n := range result.Notifications {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", n.CreatedAt, n.SubmissionID, n.Kind, n.Read, n.Title)
				}
				w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of notifications (1-100)")
	return cmd
}

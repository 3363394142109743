package domain

import "fmt"

// DocumentKind は送信対象文書の種別を表す。
type DocumentKind string

const (
	DocumentKindInvoice    DocumentKind = "invoice"
	DocumentKindCreditNote DocumentKind = "credit_note"
)

// DocumentRef は種別と識別子で文書を参照する。
type DocumentRef struct {
	Kind DocumentKind
	ID   string
}

// Validate は参照が解決可能な形式か検証する。
func (r DocumentRef) Validate() error {
	switch r.Kind {
	case DocumentKindInvoice, DocumentKindCreditNote:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDocumentRef, r.Kind)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDocumentRef)
	}
	return nil
}

func (r DocumentRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Document は送信対象の業務文書の要約。
type Document struct {
	Ref            DocumentRef
	Number         string
	UserID         string
	RecipientEmail string
	ArtifactPath   string
	// NotifyByEmail は利用者が取引メールの通知を有効にしているかを表す。
	NotifyByEmail bool
}

// Label は通知文面に使う表示名を返す。
func (d *Document) Label() string {
	switch d.Ref.Kind {
	case DocumentKindCreditNote:
		return "Credit note " + d.Number
	default:
		return "Invoice " + d.Number
	}
}

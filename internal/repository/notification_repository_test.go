package repository

import (
	"context"
	"testing"
	"time"

	"pdp-submission-service/internal/domain"
)

func TestNotificationRepository_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewNotificationRepository(setupTestDB(t))

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, kind := range []domain.NotificationKind{domain.NotificationAccepted, domain.NotificationRejected} {
		n := &domain.Notification{
			UserID:       "user-1",
			SubmissionID: "SUB-1",
			Kind:         kind,
			Title:        "Invoice INV-2024-001",
			Body:         "body",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Create(ctx, n); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if n.ID == "" {
			t.Error("expected id to be generated")
		}
	}

	got, err := repo.FindByUserID(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("FindByUserID failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 notifications, got %d", len(got))
	}
	if got[0].Kind != domain.NotificationRejected {
		t.Errorf("want newest first, got %s", got[0].Kind)
	}

	none, err := repo.FindByUserID(ctx, "user-2", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("want no notifications, got %d (err=%v)", len(none), err)
	}
}

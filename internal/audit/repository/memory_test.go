package repository

import (
	"context"
	"testing"
	"time"

	"identity-pairing/backend/internal/audit/domain"
)

func TestMemoryRepository_ListByUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		_ = r.Create(ctx, &domain.AuditLog{ID: id, UserID: "u1", Action: domain.ActionLogin, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	_ = r.Create(ctx, &domain.AuditLog{ID: "other", UserID: "u2", CreatedAt: base})

	got, err := r.ListByUser(ctx, "u1", 2, 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("page 1 = %v", ids(got))
	}
	got, _ = r.ListByUser(ctx, "u1", 2, 2)
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("page 2 = %v", ids(got))
	}
	got, _ = r.ListByUser(ctx, "u1", 2, 5)
	if len(got) != 0 {
		t.Errorf("past end = %v", ids(got))
	}
}

func TestMemoryRepository_GetByID(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	_ = r.Create(ctx, &domain.AuditLog{ID: "a", Action: domain.ActionSignup})

	got, err := r.GetByID(ctx, "a")
	if err != nil || got == nil || got.Action != domain.ActionSignup {
		t.Fatalf("GetByID = %+v, %v", got, err)
	}
	got.Action = "mutated"
	again, _ := r.GetByID(ctx, "a")
	if again.Action != domain.ActionSignup {
		t.Error("GetByID returned shared state")
	}
	missing, err := r.GetByID(ctx, "missing")
	if missing != nil || err != nil {
		t.Errorf("missing = %+v, %v", missing, err)
	}
}

func ids(list []*domain.AuditLog) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.ID
	}
	return out
}

package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/weddinglk/payments-service/internal/pagination"
)

func storedEntry(i int) *Entry {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
	e := &Entry{
		ID:               fmt.Sprintf("esc_store%04d", i),
		BookingID:        fmt.Sprintf("bkg_store%04d", i),
		PaymentID:        fmt.Sprintf("pay_store%04d", i),
		PayerID:          "usr_couple01",
		PayeeID:          "usr_vendor01",
		Amount:           100000,
		PlatformFee:      5000,
		Currency:         "lkr",
		PaymentIntentRef: fmt.Sprintf("pi_store_%04d", i),
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(TTL),
	}
	e.Recompute()
	return e
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := storedEntry(1)
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if e.Version != 1 {
		t.Errorf("expected version 1 after create, got %d", e.Version)
	}

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != e.ID || got.Amount != e.Amount {
		t.Errorf("got wrong entry back: %+v", got)
	}

	// The store must hand out copies, not shared pointers.
	got.Amount = 999
	again, _ := store.Get(ctx, e.ID)
	if again.Amount != 100000 {
		t.Error("store leaked a mutable pointer")
	}
}

func TestMemoryStore_Get_NotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "esc_missing01")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_DuplicateIntentRef(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := storedEntry(1)
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	b := storedEntry(2)
	b.PaymentIntentRef = a.PaymentIntentRef
	if err := store.Create(ctx, b); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
}

func TestMemoryStore_GetByPaymentIntent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := storedEntry(1)
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.GetByPaymentIntent(ctx, e.PaymentIntentRef)
	if err != nil {
		t.Fatalf("GetByPaymentIntent failed: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("expected %s, got %s", e.ID, got.ID)
	}

	if _, err := store.GetByPaymentIntent(ctx, "pi_missing_01"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Update_VersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := storedEntry(1)
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	first, _ := store.Get(ctx, e.ID)
	second, _ := store.Get(ctx, e.ID)

	first.Status = StatusHeld
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("expected version bump to 2, got %d", first.Version)
	}

	// The second copy read the old version; its write must lose.
	second.Status = StatusCancelled
	if err := store.Update(ctx, second); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	stored, _ := store.Get(ctx, e.ID)
	if stored.Status != StatusHeld {
		t.Errorf("lost update overwrote the winner: %s", stored.Status)
	}
}

func TestMemoryStore_Update_NotFound(t *testing.T) {
	store := NewMemoryStore()
	e := storedEntry(1)
	if err := store.Update(context.Background(), e); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListByParty_Ordering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := store.Create(ctx, storedEntry(i)); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	entries, err := store.ListByParty(ctx, "usr_couple01", 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.After(entries[i-1].CreatedAt) {
			t.Fatal("expected newest-first ordering")
		}
	}
	if entries[0].ID != "esc_store0005" {
		t.Errorf("expected newest entry first, got %s", entries[0].ID)
	}
}

func TestMemoryStore_ListByParty_CursorPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := store.Create(ctx, storedEntry(i)); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	first, err := store.ListByParty(ctx, "usr_couple01", 2)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(first))
	}

	last := first[len(first)-1]
	cursor := pagination.Encode(last.CreatedAt, last.ID)

	second, err := store.ListByParty(ctx, "usr_couple01", 10, WithCursor(cursor))
	if err != nil {
		t.Fatalf("ListByParty with cursor failed: %v", err)
	}
	if len(second) != 3 {
		t.Fatalf("expected 3 remaining entries, got %d", len(second))
	}
	for _, e := range second {
		for _, f := range first {
			if e.ID == f.ID {
				t.Errorf("entry %s returned on both pages", e.ID)
			}
		}
	}
	if !second[0].CreatedAt.Before(last.CreatedAt) {
		t.Error("expected second page strictly older than the cursor")
	}
}

func TestMemoryStore_ListByParty_InvalidCursorIgnored(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := store.Create(ctx, storedEntry(i)); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	entries, err := store.ListByParty(ctx, "usr_couple01", 10, WithCursor("!!not a cursor!!"))
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected invalid cursor to be ignored, got %d entries", len(entries))
	}
}

func TestMemoryStore_ListByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		e := storedEntry(i)
		if i%2 == 0 {
			e.Status = StatusHeld
		}
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	held, err := store.ListByStatus(ctx, StatusHeld, 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(held) != 2 {
		t.Errorf("expected 2 held entries, got %d", len(held))
	}
	for _, e := range held {
		if e.Status != StatusHeld {
			t.Errorf("entry %s has status %s", e.ID, e.Status)
		}
	}
}

func TestMemoryStore_FindDueForAutoRelease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	due := storedEntry(1)
	due.Status = StatusHeld
	due.Release.Mode = ModeAutomatic
	due.Release.AutoReleaseAt = &past

	notYet := storedEntry(2)
	notYet.Status = StatusHeld
	notYet.Release.Mode = ModeAutomatic
	notYet.Release.AutoReleaseAt = &future

	disputed := storedEntry(3)
	disputed.Status = StatusDisputed
	disputed.IsDisputed = true
	disputed.Release.Mode = ModeAutomatic
	disputed.Release.AutoReleaseAt = &past

	for _, e := range []*Entry{due, notYet, disputed} {
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	found, err := store.FindDueForAutoRelease(ctx, now, 10)
	if err != nil {
		t.Fatalf("FindDueForAutoRelease failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != due.ID {
		t.Fatalf("expected only the due entry, got %+v", found)
	}
}

func TestMemoryStore_FindExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	expired := storedEntry(1)
	expired.Status = StatusHeld
	expired.ExpiresAt = now.Add(-time.Hour)

	fresh := storedEntry(2)
	fresh.Status = StatusHeld
	fresh.ExpiresAt = now.Add(time.Hour)

	released := storedEntry(3)
	released.Status = StatusReleased
	released.ExpiresAt = now.Add(-time.Hour)

	for _, e := range []*Entry{expired, fresh, released} {
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	found, err := store.FindExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("FindExpired failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != expired.ID {
		t.Fatalf("expected only the expired open entry, got %+v", found)
	}
}

//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/toolpay/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func testEscrow(id uint64) *Escrow {
	return &Escrow{
		ID:        id,
		ToolID:    "summarize",
		Payer:     payerAddr,
		Provider:  providerAddr,
		MaxFee:    "100",
		Denom:     "untrn",
		Expires:   20,
		AuthToken: "tok_abc",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestPostgresStore_NextID_Monotonic(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	first, err := store.NextID(ctx)
	if err != nil {
		t.Fatalf("NextID failed: %v", err)
	}
	second, err := store.NextID(ctx)
	if err != nil {
		t.Fatalf("NextID failed: %v", err)
	}
	if second != first+1 {
		t.Errorf("ids not monotonic: %d then %d", first, second)
	}
}

func TestPostgresStore_CreateGetDelete(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Create(ctx, testEscrow(1)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ToolID != "summarize" || got.MaxFee != "100" || got.Expires != 20 {
		t.Errorf("unexpected escrow: %+v", got)
	}
	if got.AuthToken != "tok_abc" {
		t.Errorf("auth token = %q, want tok_abc", got.AuthToken)
	}

	if err := store.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, 1); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("expected ErrEscrowNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, 1); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("second delete: expected ErrEscrowNotFound, got %v", err)
	}
}

func TestPostgresStore_CreateWithoutAuthToken(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	// The auth token is optional; an empty one must round-trip cleanly.
	e := testEscrow(1)
	e.AuthToken = ""
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create without auth token failed: %v", err)
	}

	got, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AuthToken != "" {
		t.Errorf("auth token = %q, want empty", got.AuthToken)
	}
}

func TestPostgresStore_ListByAccount(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for id := uint64(1); id <= 3; id++ {
		e := testEscrow(id)
		if id == 3 {
			e.Payer = "toolpay1someoneelse"
			e.Provider = "toolpay1anotherprov"
		}
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("Create(%d) failed: %v", id, err)
		}
	}

	escrows, err := store.ListByAccount(ctx, payerAddr, 10)
	if err != nil {
		t.Fatalf("ListByAccount failed: %v", err)
	}
	if len(escrows) != 2 {
		t.Fatalf("expected 2 escrows, got %d", len(escrows))
	}
	if escrows[0].ID != 1 || escrows[1].ID != 2 {
		t.Errorf("expected ids 1,2 in order, got %d,%d", escrows[0].ID, escrows[1].ID)
	}
}

func TestPostgresStore_ListExpired(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	early := testEscrow(1)
	early.Expires = 5
	late := testEscrow(2)
	late.Expires = 50
	if err := store.Create(ctx, early); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, late); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	expired, err := store.ListExpired(ctx, 6, 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != 1 {
		t.Errorf("expected only escrow 1 expired at height 6, got %+v", expired)
	}

	// Height equal to an expiration is not past it
	expired, err = store.ListExpired(ctx, 5, 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("expected no expirations at height 5, got %d", len(expired))
	}
}

func TestPostgresStore_FreezeFlag(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	frozen, err := store.Frozen(ctx)
	if err != nil {
		t.Fatalf("Frozen failed: %v", err)
	}
	if frozen {
		t.Error("freeze flag should start false")
	}

	if err := store.SetFrozen(ctx, true); err != nil {
		t.Fatalf("SetFrozen failed: %v", err)
	}
	frozen, err = store.Frozen(ctx)
	if err != nil {
		t.Fatalf("Frozen failed: %v", err)
	}
	if !frozen {
		t.Error("freeze flag should persist true")
	}

	if err := store.SetFrozen(ctx, false); err != nil {
		t.Fatalf("SetFrozen failed: %v", err)
	}
}

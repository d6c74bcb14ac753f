package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"tokenreward/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestFindOrCreateClaimIdempotent(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	ctx := context.Background()
	shopID := uuid.New()

	first, created, err := store.FindOrCreateClaim(ctx, "TX123", shopID, "WALLET1", 25)
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	if !created {
		t.Fatalf("expected first call to create")
	}
	if first.State != models.StatePending {
		t.Fatalf("expected PENDING, got %s", first.State)
	}

	second, created, err := store.FindOrCreateClaim(ctx, "TX123", shopID, "WALLET1", 999)
	if err != nil {
		t.Fatalf("refind claim: %v", err)
	}
	if created {
		t.Fatalf("expected second call to reuse existing claim")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same claim, got %s vs %s", second.ID, first.ID)
	}
	if second.Amount != 25 {
		t.Fatalf("amount must not change on re-finalize, got %d", second.Amount)
	}

	var count int64
	if err := store.db.Model(&models.RewardClaim{}).Count(&count).Error; err != nil {
		t.Fatalf("count claims: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one claim row, got %d", count)
	}
}

func TestFindOrCreateClaimDistinctShops(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	ctx := context.Background()

	_, created, err := store.FindOrCreateClaim(ctx, "TX123", uuid.New(), "WALLET1", 10)
	if err != nil || !created {
		t.Fatalf("first shop claim: created=%v err=%v", created, err)
	}
	_, created, err = store.FindOrCreateClaim(ctx, "TX123", uuid.New(), "WALLET1", 20)
	if err != nil || !created {
		t.Fatalf("second shop claim: created=%v err=%v", created, err)
	}
}

func TestCompareAndSwapStateAdvances(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	ctx := context.Background()

	claim, _, err := store.FindOrCreateClaim(ctx, "TXCAS", uuid.New(), "WALLET1", 5)
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}

	updated, err := store.CompareAndSwapState(ctx, claim.ID, models.StatePending, models.StateCompressing, nil, "claim.compressing", "")
	if err != nil {
		t.Fatalf("first swap: %v", err)
	}
	if updated.State != models.StateCompressing {
		t.Fatalf("expected COMPRESSING, got %s", updated.State)
	}

	// A second worker attempting the same transition must observe staleness.
	current, err := store.CompareAndSwapState(ctx, claim.ID, models.StatePending, models.StateCompressing, nil, "claim.compressing", "")
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	if current == nil || current.State != models.StateCompressing {
		t.Fatalf("expected current record alongside stale error")
	}
}

func TestCompareAndSwapStateAppliesColumns(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	ctx := context.Background()

	claim, _, err := store.FindOrCreateClaim(ctx, "TXCOL", uuid.New(), "WALLET1", 5)
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	if _, err := store.CompareAndSwapState(ctx, claim.ID, models.StatePending, models.StateCompressing, nil, "claim.compressing", ""); err != nil {
		t.Fatalf("to compressing: %v", err)
	}
	updated, err := store.CompareAndSwapState(ctx, claim.ID, models.StateCompressing, models.StateCompressed, map[string]interface{}{
		"compression_tx_signature": "SIGC",
	}, "claim.compressed", "")
	if err != nil {
		t.Fatalf("to compressed: %v", err)
	}
	if updated.CompressionTxSignature != "SIGC" {
		t.Fatalf("expected signature persisted, got %q", updated.CompressionTxSignature)
	}

	var events []models.SettlementEvent
	if err := store.db.Order("created_at ASC").Find(&events).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected create plus two transition events, got %d", len(events))
	}
	if events[len(events)-1].Action != "claim.compressed" {
		t.Fatalf("unexpected last event %s", events[len(events)-1].Action)
	}
}

func TestCompareAndSwapStateRejectsIllegalEdge(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	ctx := context.Background()

	claim, _, err := store.FindOrCreateClaim(ctx, "TXBAD", uuid.New(), "WALLET1", 5)
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	if _, err := store.CompareAndSwapState(ctx, claim.ID, models.StatePending, models.StateClaimed, nil, "claim.claimed", ""); err == nil {
		t.Fatalf("expected illegal transition to be rejected")
	}
}

func TestRecordNoteKeepsState(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	ctx := context.Background()

	claim, _, err := store.FindOrCreateClaim(ctx, "TXNOTE", uuid.New(), "WALLET1", 5)
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	updated, err := store.RecordNote(ctx, claim.ID, map[string]interface{}{
		"pending_tx_signature": "SIGP",
		"last_error":           "confirmation wait timed out",
	}, "claim.confirmation_timeout", "SIGP")
	if err != nil {
		t.Fatalf("record note: %v", err)
	}
	if updated.State != models.StatePending {
		t.Fatalf("state must not change, got %s", updated.State)
	}
	if updated.PendingTxSignature != "SIGP" {
		t.Fatalf("expected pending signature persisted")
	}
}

func TestClaimsByWallet(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	ctx := context.Background()

	if _, _, err := store.FindOrCreateClaim(ctx, "TXA", uuid.New(), "WALLET1", 5); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if _, _, err := store.FindOrCreateClaim(ctx, "TXB", uuid.New(), "WALLET1", 7); err != nil {
		t.Fatalf("claim b: %v", err)
	}
	if _, _, err := store.FindOrCreateClaim(ctx, "TXC", uuid.New(), "WALLET2", 9); err != nil {
		t.Fatalf("claim c: %v", err)
	}

	claims, err := store.ClaimsByWallet(ctx, "WALLET1")
	if err != nil {
		t.Fatalf("claims by wallet: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claims))
	}
}

func TestGetClaimNotFound(t *testing.T) {
	store := NewStore(setupTestDB(t), nil)
	if _, err := store.GetClaim(context.Background(), uuid.New()); !errors.Is(err, ErrClaimNotFound) {
		t.Fatalf("expected ErrClaimNotFound, got %v", err)
	}
}

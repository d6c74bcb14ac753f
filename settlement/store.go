package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tokenreward/models"
)

// Store is the durable claim record layer. State transitions are performed
// as conditional updates ("set state to X only if current state is Y") so
// that concurrent operations on the same claim cannot both advance it; the
// loser observes ErrStaleState and must re-read.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a claim store backed by the provided database.
func NewStore(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// GetClaim fetches a claim by identifier.
func (s *Store) GetClaim(ctx context.Context, id uuid.UUID) (*models.RewardClaim, error) {
	var claim models.RewardClaim
	if err := s.db.WithContext(ctx).First(&claim, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return &claim, nil
}

// FindClaim looks up a claim by its natural key.
func (s *Store) FindClaim(ctx context.Context, paymentSig string, shopID uuid.UUID) (*models.RewardClaim, error) {
	var claim models.RewardClaim
	err := s.db.WithContext(ctx).
		First(&claim, "payment_tx_signature = ? AND shop_id = ?", paymentSig, shopID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return &claim, nil
}

// FindOrCreateClaim returns the existing claim for (paymentSig, shopID) or
// inserts a new one in PENDING. The unique index on the pair is the source
// of truth under concurrency: an insert rejected by it is treated as "claim
// already exists, re-fetch", never as an error.
func (s *Store) FindOrCreateClaim(ctx context.Context, paymentSig string, shopID uuid.UUID, recipient string, amount int64) (*models.RewardClaim, bool, error) {
	existing, err := s.FindClaim(ctx, paymentSig, shopID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrClaimNotFound) {
		return nil, false, err
	}

	now := s.now()
	claim := models.RewardClaim{
		ID:                 uuid.New(),
		PaymentTxSignature: paymentSig,
		ShopID:             shopID,
		RecipientWallet:    recipient,
		Amount:             amount,
		State:              models.StatePending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	createErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&claim).Error; err != nil {
			return err
		}
		return s.appendEvent(tx, claim.ID, "claim.created", "")
	})
	if createErr == nil {
		return &claim, true, nil
	}
	// A concurrent finalize may have won the insert race.
	if existing, err := s.FindClaim(ctx, paymentSig, shopID); err == nil {
		return existing, false, nil
	}
	return nil, false, createErr
}

// ClaimsByWallet returns claims owned by the supplied recipient wallet,
// newest first.
func (s *Store) ClaimsByWallet(ctx context.Context, wallet string) ([]models.RewardClaim, error) {
	var claims []models.RewardClaim
	err := s.db.WithContext(ctx).
		Where("recipient_wallet = ?", wallet).
		Order("created_at DESC").
		Find(&claims).Error
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// ClaimsByState returns claims in the supplied state, oldest first. Used by
// operator reconciliation tooling.
func (s *Store) ClaimsByState(ctx context.Context, state models.ClaimState) ([]models.RewardClaim, error) {
	var claims []models.RewardClaim
	err := s.db.WithContext(ctx).
		Where("state = ?", state).
		Order("created_at ASC").
		Find(&claims).Error
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// GetShop fetches a shop by identifier.
func (s *Store) GetShop(ctx context.Context, id uuid.UUID) (*models.Shop, error) {
	var shop models.Shop
	if err := s.db.WithContext(ctx).First(&shop, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrShopNotFound
		}
		return nil, err
	}
	return &shop, nil
}

// ProductReward returns the per-unit reward configured for a shop's product.
func (s *Store) ProductReward(ctx context.Context, shopID uuid.UUID, name string) (int64, error) {
	var product models.Product
	err := s.db.WithContext(ctx).
		First(&product, "shop_id = ? AND name = ?", shopID, name).Error
	if err != nil {
		return 0, err
	}
	return product.TokenReward, nil
}

// ShopsByID loads the referenced shops into a map keyed by identifier.
// Unknown identifiers are simply absent from the result.
func (s *Store) ShopsByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Shop, error) {
	out := make(map[uuid.UUID]models.Shop, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var shops []models.Shop
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&shops).Error; err != nil {
		return nil, err
	}
	for _, shop := range shops {
		out[shop.ID] = shop
	}
	return out, nil
}

// CompareAndSwapState advances a claim from one state to another, applying
// extra column updates atomically with the transition. ErrStaleState is
// returned when the claim was no longer in the expected state; the caller
// receives the current record alongside it.
func (s *Store) CompareAndSwapState(ctx context.Context, id uuid.UUID, from, to models.ClaimState, set map[string]interface{}, action, details string) (*models.RewardClaim, error) {
	if err := ValidateTransition(from, to); err != nil {
		return nil, err
	}
	updates := map[string]interface{}{
		"state":      to,
		"updated_at": s.now(),
	}
	for k, v := range set {
		updates[k] = v
	}

	var swapped bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RewardClaim{}).
			Where("id = ? AND state = ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		swapped = true
		return s.appendEvent(tx, id, action, details)
	})
	if err != nil {
		return nil, err
	}

	claim, getErr := s.GetClaim(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if !swapped {
		return claim, ErrStaleState
	}
	return claim, nil
}

// RecordNote applies column updates without changing state, e.g. to record
// an ambiguous confirmation outcome on an in-flight claim.
func (s *Store) RecordNote(ctx context.Context, id uuid.UUID, set map[string]interface{}, action, details string) (*models.RewardClaim, error) {
	updates := map[string]interface{}{"updated_at": s.now()}
	for k, v := range set {
		updates[k] = v
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RewardClaim{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrClaimNotFound
		}
		return s.appendEvent(tx, id, action, details)
	})
	if err != nil {
		return nil, err
	}
	return s.GetClaim(ctx, id)
}

func (s *Store) appendEvent(tx *gorm.DB, claimID uuid.UUID, action, details string) error {
	event := models.SettlementEvent{
		ID:        uuid.New(),
		ClaimID:   &claimID,
		Action:    action,
		Details:   details,
		CreatedAt: s.now(),
	}
	return tx.Create(&event).Error
}

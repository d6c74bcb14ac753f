package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ClaimState represents a state in the reward settlement workflow.
type ClaimState string

// All settlement states.
const (
	StatePending     ClaimState = "PENDING"
	StateCompressing ClaimState = "COMPRESSING"
	StateCompressed  ClaimState = "COMPRESSED"
	StateClaimed     ClaimState = "CLAIMED"
	StateFailed      ClaimState = "FAILED"
)

// Shop carries the reward-relevant slice of a merchant record. A shop
// without a MintAddress is ineligible for rewards; its items are skipped
// during calculation rather than failing the order.
type Shop struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name                string    `gorm:"uniqueIndex"`
	TokenSymbol         string    `gorm:"size:16"`
	MintAddress         string    `gorm:"size:64;index"`
	DistributionAccount string    `gorm:"size:64"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Product holds the per-unit token reward the intake layer resolves line
// items against.
type Product struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ShopID      uuid.UUID `gorm:"type:uuid;index"`
	Name        string    `gorm:"size:128"`
	TokenReward int64     `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RewardClaim tracks a reward owed to a buyer for a single payment/shop
// pair across its settlement lifecycle. Rows are never deleted; they are the
// audit trail reconciling off-chain bookkeeping with on-chain outcomes.
type RewardClaim struct {
	ID                     uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PaymentTxSignature     string     `gorm:"size:128;uniqueIndex:idx_claim_payment_shop"`
	ShopID                 uuid.UUID  `gorm:"type:uuid;uniqueIndex:idx_claim_payment_shop"`
	RecipientWallet        string     `gorm:"size:64;index"`
	Amount                 int64      `gorm:"not null"`
	State                  ClaimState `gorm:"size:16;index"`
	CompressionTxSignature string     `gorm:"size:128"`
	ClaimTxSignature       string     `gorm:"size:128"`
	PendingTxSignature     string     `gorm:"size:128"`
	LastError              string     `gorm:"size:512"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SettlementEvent is the audit trail structure for claim transitions.
type SettlementEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ClaimID   *uuid.UUID `gorm:"type:uuid;index"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Shop{},
		&Product{},
		&RewardClaim{},
		&SettlementEvent{},
	)
}

// Package settlement implements the reward claim lifecycle: order
// finalization creates claims, compression escrows the reward into
// compressed form, and claiming releases it to the buyer's wallet. All
// lifecycle decisions live here; the ledger package only moves bytes.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tokenreward/ledger"
	"tokenreward/models"
	"tokenreward/observability"
	"tokenreward/rewards"
)

const (
	phaseFinalize  = "finalize"
	phaseCompress  = "compress"
	phaseClaim     = "claim"
	phaseReconcile = "reconcile"
)

// Orchestrator drives reward claims through the settlement state machine.
// It is safe for concurrent use: every transition is a conditional update
// on the store and losers back off with ErrStaleState.
type Orchestrator struct {
	store   *Store
	ledger  ledger.Client
	metrics *observability.SettlementMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// Config bundles the orchestrator's dependencies.
type Config struct {
	Store   *Store
	Ledger  ledger.Client
	Metrics *observability.SettlementMetrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewOrchestrator wires an orchestrator from its dependencies.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("settlement: store is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("settlement: ledger client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     now,
	}, nil
}

// FinalizeInput is the payload accepted by order finalization.
type FinalizeInput struct {
	PaymentTxSignature string
	BuyerWallet        string
	Items              []rewards.LineItem
}

// ClaimSummary reports one claim touched by order finalization.
type ClaimSummary struct {
	ClaimID     uuid.UUID         `json:"claimId"`
	ShopName    string            `json:"shopName"`
	TokenSymbol string            `json:"tokenSymbol"`
	Amount      int64             `json:"amount"`
	State       models.ClaimState `json:"state"`
	Created     bool              `json:"created"`
}

// FinalizeRewards folds an order's line items into per-shop reward claims.
// Re-finalizing the same payment signature returns the existing claims
// without creating duplicates or changing amounts.
func (o *Orchestrator) FinalizeRewards(ctx context.Context, in FinalizeInput) ([]ClaimSummary, error) {
	paymentSig := strings.TrimSpace(in.PaymentTxSignature)
	if paymentSig == "" {
		return nil, &ValidationError{Msg: "payment transaction signature is required"}
	}
	wallet := strings.TrimSpace(in.BuyerWallet)
	if wallet == "" {
		return nil, &ValidationError{Msg: "buyer wallet is required"}
	}

	shopIDs := make([]uuid.UUID, 0, len(in.Items))
	seen := make(map[uuid.UUID]struct{}, len(in.Items))
	for _, item := range in.Items {
		if item.ShopID == uuid.Nil {
			continue
		}
		if _, ok := seen[item.ShopID]; ok {
			continue
		}
		seen[item.ShopID] = struct{}{}
		shopIDs = append(shopIDs, item.ShopID)
	}
	shops, err := o.store.ShopsByID(ctx, shopIDs)
	if err != nil {
		return nil, err
	}

	// Intake may omit the unit reward; resolve it from the product catalog.
	items := make([]rewards.LineItem, 0, len(in.Items))
	for _, item := range in.Items {
		if item.PerUnitReward <= 0 && strings.TrimSpace(item.ProductName) != "" {
			if reward, lookupErr := o.store.ProductReward(ctx, item.ShopID, item.ProductName); lookupErr == nil {
				item.PerUnitReward = reward
			}
		}
		items = append(items, item)
	}

	computed := rewards.Calculate(items, shops, o.logger)
	summaries := make([]ClaimSummary, 0, len(computed))
	for _, reward := range computed {
		claim, created, err := o.store.FindOrCreateClaim(ctx, paymentSig, reward.ShopID, wallet, reward.Amount)
		if err != nil {
			return nil, err
		}
		if created {
			o.metrics.RecordClaimCreated()
			o.logger.Info("reward claim created",
				"claim_id", claim.ID,
				"shop", reward.ShopName,
				"payment_sig", paymentSig,
				"amount", reward.Amount)
		}
		summaries = append(summaries, ClaimSummary{
			ClaimID:     claim.ID,
			ShopName:    reward.ShopName,
			TokenSymbol: reward.TokenSymbol,
			Amount:      claim.Amount,
			State:       claim.State,
			Created:     created,
		})
	}
	o.metrics.RecordOutcome(phaseFinalize, "ok")
	return summaries, nil
}

// Compress escrows a pending claim's reward into compressed form. Calling
// it on a claim that is no longer PENDING is an idempotent no-op returning
// the current record. An ambiguous confirmation leaves the claim in
// COMPRESSING with the submitted signature recorded for reconciliation.
func (o *Orchestrator) Compress(ctx context.Context, claimID uuid.UUID) (*models.RewardClaim, error) {
	claim, err := o.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.State != models.StatePending {
		o.metrics.RecordOutcome(phaseCompress, "noop")
		return claim, nil
	}

	claim, err = o.store.CompareAndSwapState(ctx, claimID, models.StatePending, models.StateCompressing, nil, "claim.compressing", "")
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			// Another worker took the claim; nothing left to do here.
			o.metrics.RecordOutcome(phaseCompress, "noop")
			return claim, nil
		}
		return nil, err
	}

	shop, err := o.store.GetShop(ctx, claim.ShopID)
	if err != nil || strings.TrimSpace(shop.MintAddress) == "" {
		if err == nil {
			err = ErrShopNotFound
		}
		return o.failClaim(ctx, claimID, models.StateCompressing, phaseCompress, "shop_unresolved", err)
	}

	balance, err := o.ledger.GetTokenBalance(ctx, shop.DistributionAccount, shop.MintAddress)
	if err != nil {
		return o.failClaim(ctx, claimID, models.StateCompressing, phaseCompress, "balance_check", &LedgerError{Phase: "balance", Cause: err})
	}
	if balance < claim.Amount {
		o.metrics.RecordInsufficientFunds(shop.MintAddress)
		short := &InsufficientFundsError{Mint: shop.MintAddress, Have: balance, Need: claim.Amount}
		return o.failClaim(ctx, claimID, models.StateCompressing, phaseCompress, "insufficient_funds", short)
	}

	handles, err := o.ledger.GetHandles(ctx, shop.MintAddress)
	if err != nil {
		return o.failClaim(ctx, claimID, models.StateCompressing, phaseCompress, "handles", &LedgerError{Phase: "handles", Cause: err})
	}
	blockRef, err := o.ledger.GetLatestBlockRef(ctx)
	if err != nil {
		return o.failClaim(ctx, claimID, models.StateCompressing, phaseCompress, "block_ref", &LedgerError{Phase: "block_ref", Cause: err})
	}

	instructions := []ledger.Instruction{{
		Program: "compressed-token",
		Action:  "compress",
		Params: map[string]interface{}{
			"mint":      shop.MintAddress,
			"source":    shop.DistributionAccount,
			"recipient": claim.RecipientWallet,
			"amount":    claim.Amount,
			"stateTree": handles.StateTree,
			"tokenPool": handles.TokenPool,
		},
	}}
	sig, err := o.ledger.SubmitTransaction(ctx, blockRef, instructions)
	if err != nil {
		// SubmitTransaction errors mean the transaction was not applied.
		return o.failClaim(ctx, claimID, models.StateCompressing, phaseCompress, "submit", &LedgerError{Phase: "submit", Cause: err})
	}

	return o.settle(ctx, claimID, phaseCompress, sig, models.StateCompressing, models.StateCompressed, "compression_tx_signature", "claim.compressed")
}

// ClaimRequest identifies who is claiming which reward.
type ClaimRequest struct {
	ClaimID uuid.UUID
	Wallet  string
}

// ClaimResult reports a successful (or previously completed) payout.
type ClaimResult struct {
	Signature string `json:"signature"`
	Recipient string `json:"recipient"`
	Mint      string `json:"mint"`
	Amount    int64  `json:"amount"`
}

// Claim releases a compressed reward to its recipient wallet. Only the
// recipient may claim, only once, and only after compression has been
// confirmed. A claim-phase failure leaves the record in COMPRESSED with the
// error noted so the payout can be retried; the reward is never lost to a
// transient ledger problem.
func (o *Orchestrator) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	wallet := strings.TrimSpace(req.Wallet)
	if wallet == "" {
		return nil, &ValidationError{Msg: "wallet is required"}
	}
	claim, err := o.store.GetClaim(ctx, req.ClaimID)
	if err != nil {
		return nil, err
	}
	if claim.RecipientWallet != wallet {
		o.metrics.RecordError(phaseClaim, "unauthorized")
		return nil, ErrUnauthorized
	}
	if claim.State == models.StateClaimed {
		return nil, &AlreadyClaimedError{Signature: claim.ClaimTxSignature}
	}
	if claim.State != models.StateCompressed {
		return nil, ErrNotSettled
	}
	if claim.PendingTxSignature != "" {
		// A previous payout attempt is still ambiguous; reconcile first.
		return nil, ErrConfirmationTimeout
	}

	shop, err := o.store.GetShop(ctx, claim.ShopID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(shop.MintAddress) == "" {
		return nil, ErrShopNotFound
	}

	balance, err := o.ledger.GetTokenBalance(ctx, claim.RecipientWallet, shop.MintAddress)
	if err != nil {
		return nil, &LedgerError{Phase: "balance", Cause: err}
	}
	if balance < claim.Amount {
		o.metrics.RecordInsufficientFunds(shop.MintAddress)
		return nil, &InsufficientFundsError{Mint: shop.MintAddress, Have: balance, Need: claim.Amount}
	}

	handles, err := o.ledger.GetHandles(ctx, shop.MintAddress)
	if err != nil {
		return nil, &LedgerError{Phase: "handles", Cause: err}
	}
	blockRef, err := o.ledger.GetLatestBlockRef(ctx)
	if err != nil {
		return nil, &LedgerError{Phase: "block_ref", Cause: err}
	}

	instructions := []ledger.Instruction{{
		Program: "compressed-token",
		Action:  "decompress",
		Params: map[string]interface{}{
			"mint":      shop.MintAddress,
			"owner":     claim.RecipientWallet,
			"amount":    claim.Amount,
			"stateTree": handles.StateTree,
			"tokenPool": handles.TokenPool,
		},
	}}
	sig, err := o.ledger.SubmitTransaction(ctx, blockRef, instructions)
	if err != nil {
		o.metrics.RecordError(phaseClaim, "submit")
		return nil, &LedgerError{Phase: "submit", Cause: err}
	}

	updated, err := o.settle(ctx, req.ClaimID, phaseClaim, sig, models.StateCompressed, models.StateClaimed, "claim_tx_signature", "claim.claimed")
	if err != nil {
		return nil, err
	}
	return &ClaimResult{
		Signature: updated.ClaimTxSignature,
		Recipient: updated.RecipientWallet,
		Mint:      shop.MintAddress,
		Amount:    updated.Amount,
	}, nil
}

// Reconcile resolves a claim whose last submission timed out before
// confirmation. It re-checks the recorded signature and either completes
// the interrupted transition or clears the way for a retry. Claims without
// a pending signature are returned unchanged.
func (o *Orchestrator) Reconcile(ctx context.Context, claimID uuid.UUID) (*models.RewardClaim, error) {
	claim, err := o.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	pending := strings.TrimSpace(claim.PendingTxSignature)
	if pending == "" {
		o.metrics.RecordOutcome(phaseReconcile, "noop")
		return claim, nil
	}

	conf, err := o.ledger.AwaitConfirmation(ctx, pending)
	if err != nil {
		return nil, &LedgerError{Phase: "confirm", Cause: err}
	}

	switch claim.State {
	case models.StateCompressing:
		switch conf.Status {
		case ledger.ConfirmationConfirmed:
			o.metrics.RecordOutcome(phaseReconcile, "confirmed")
			return o.store.CompareAndSwapState(ctx, claimID, models.StateCompressing, models.StateCompressed, map[string]interface{}{
				"compression_tx_signature": pending,
				"pending_tx_signature":     "",
				"last_error":               "",
			}, "claim.compressed", "resolved by reconciliation")
		case ledger.ConfirmationFailed:
			o.metrics.RecordOutcome(phaseReconcile, "failed")
			return o.store.CompareAndSwapState(ctx, claimID, models.StateCompressing, models.StateFailed, map[string]interface{}{
				"pending_tx_signature": "",
				"last_error":           conf.Err,
			}, "claim.failed", conf.Err)
		}
	case models.StateCompressed:
		switch conf.Status {
		case ledger.ConfirmationConfirmed:
			o.metrics.RecordOutcome(phaseReconcile, "confirmed")
			return o.store.CompareAndSwapState(ctx, claimID, models.StateCompressed, models.StateClaimed, map[string]interface{}{
				"claim_tx_signature":   pending,
				"pending_tx_signature": "",
				"last_error":           "",
			}, "claim.claimed", "resolved by reconciliation")
		case ledger.ConfirmationFailed:
			// Payout failed on the ledger; the claim stays COMPRESSED and a
			// fresh attempt may be made.
			o.metrics.RecordOutcome(phaseReconcile, "failed")
			return o.store.RecordNote(ctx, claimID, map[string]interface{}{
				"pending_tx_signature": "",
				"last_error":           conf.Err,
			}, "claim.payout_failed", conf.Err)
		}
	default:
		o.metrics.RecordOutcome(phaseReconcile, "noop")
		return claim, nil
	}

	o.metrics.RecordOutcome(phaseReconcile, "timeout")
	return claim, ErrConfirmationTimeout
}

// settle waits for a submitted transaction to confirm and persists the
// outcome. Confirmed advances the state machine; Failed records the ledger
// error; Timeout leaves the claim in-flight with the signature noted.
func (o *Orchestrator) settle(ctx context.Context, claimID uuid.UUID, phase, sig string, from, to models.ClaimState, sigColumn, action string) (*models.RewardClaim, error) {
	start := o.now()
	conf, err := o.ledger.AwaitConfirmation(ctx, sig)
	o.metrics.ObserveConfirmLatency(phase, o.now().Sub(start))
	if err != nil {
		conf = ledger.Confirmation{Status: ledger.ConfirmationTimeout}
	}

	switch conf.Status {
	case ledger.ConfirmationConfirmed:
		o.metrics.RecordOutcome(phase, "confirmed")
		return o.store.CompareAndSwapState(ctx, claimID, from, to, map[string]interface{}{
			sigColumn:              sig,
			"pending_tx_signature": "",
			"last_error":           "",
		}, action, "")
	case ledger.ConfirmationFailed:
		o.metrics.RecordOutcome(phase, "failed")
		o.logger.Error("transaction failed on ledger", "claim_id", claimID, "phase", phase, "sig", sig, "err", conf.Err)
		cause := &LedgerError{Phase: "confirm", Cause: errors.New(conf.Err)}
		if from == models.StateCompressed {
			// The state machine has no failure edge from COMPRESSED: the funds
			// are escrowed, so the claim stays retryable instead of dying.
			if _, noteErr := o.store.RecordNote(ctx, claimID, map[string]interface{}{
				"last_error": conf.Err,
			}, "claim.payout_failed", conf.Err); noteErr != nil {
				return nil, noteErr
			}
			return nil, cause
		}
		if _, swapErr := o.store.CompareAndSwapState(ctx, claimID, from, models.StateFailed, map[string]interface{}{
			"last_error": conf.Err,
		}, "claim.failed", conf.Err); swapErr != nil && !errors.Is(swapErr, ErrStaleState) {
			return nil, swapErr
		}
		return nil, cause
	default:
		o.metrics.RecordOutcome(phase, "timeout")
		o.logger.Warn("confirmation wait timed out", "claim_id", claimID, "phase", phase, "sig", sig)
		claim, noteErr := o.store.RecordNote(ctx, claimID, map[string]interface{}{
			"pending_tx_signature": sig,
			"last_error":           "confirmation wait timed out",
		}, "claim.confirmation_timeout", sig)
		if noteErr != nil {
			return nil, noteErr
		}
		return claim, ErrConfirmationTimeout
	}
}

// failClaim marks a claim FAILED with the supplied cause recorded, then
// returns that cause. A concurrent transition winning the race is accepted
// silently; the original cause is still reported to the caller.
func (o *Orchestrator) failClaim(ctx context.Context, claimID uuid.UUID, from models.ClaimState, phase, reason string, cause error) (*models.RewardClaim, error) {
	o.metrics.RecordError(phase, reason)
	o.logger.Error("settlement step failed", "claim_id", claimID, "phase", phase, "reason", reason, "err", cause)
	claim, err := o.store.CompareAndSwapState(ctx, claimID, from, models.StateFailed, map[string]interface{}{
		"last_error": cause.Error(),
	}, "claim.failed", cause.Error())
	if err != nil && !errors.Is(err, ErrStaleState) {
		return nil, err
	}
	return claim, cause
}

// Package server exposes the settlement engine over HTTP. Buyer-facing
// endpoints cover finalization, claim lookup, and claiming; compression and
// reconciliation are operator endpoints guarded by a bearer token.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"tokenreward/ledger"
	"tokenreward/models"
	"tokenreward/rewards"
	"tokenreward/settlement"
)

// Settler is the slice of the orchestrator the HTTP layer consumes.
type Settler interface {
	FinalizeRewards(ctx context.Context, in settlement.FinalizeInput) ([]settlement.ClaimSummary, error)
	Compress(ctx context.Context, claimID uuid.UUID) (*models.RewardClaim, error)
	Claim(ctx context.Context, req settlement.ClaimRequest) (*settlement.ClaimResult, error)
	Reconcile(ctx context.Context, claimID uuid.UUID) (*models.RewardClaim, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Store         *settlement.Store
	Settler       Settler
	OperatorToken string
	Logger        *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db            *gorm.DB
	store         *settlement.Store
	settler       Settler
	operatorToken string
	logger        *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		db:            cfg.DB,
		store:         cfg.Store,
		settler:       cfg.Settler,
		operatorToken: strings.TrimSpace(cfg.OperatorToken),
		logger:        logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/orders/finalize", s.FinalizeOrder)
		api.Get("/claims", s.ListClaims)
		api.Get("/claims/{id}", s.GetClaim)
		api.Post("/claims/{id}/claim", s.ClaimReward)

		api.Group(func(operator chi.Router) {
			operator.Use(s.requireOperator)
			operator.Post("/claims/{id}/compress", s.CompressClaim)
			operator.Post("/claims/{id}/reconcile", s.ReconcileClaim)
		})
	})
	return r
}

// requireOperator guards operator endpoints with a shared bearer token.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.operatorToken == "" {
			http.Error(w, "operator endpoints disabled", http.StatusForbidden)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token := strings.TrimPrefix(header, "Bearer ")
		if header == token || strings.TrimSpace(token) != s.operatorToken {
			http.Error(w, "invalid operator token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health reports process liveness and database reachability.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type finalizeRequest struct {
	PaymentTxSignature string             `json:"paymentTxSignature"`
	BuyerWallet        string             `json:"buyerWallet"`
	Items              []rewards.LineItem `json:"items"`
}

// FinalizeOrder computes per-shop rewards for a paid order and records the
// claims. Repeat calls with the same payment signature are idempotent.
func (s *Server) FinalizeOrder(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	summaries, err := s.settler.FinalizeRewards(r.Context(), settlement.FinalizeInput{
		PaymentTxSignature: req.PaymentTxSignature,
		BuyerWallet:        req.BuyerWallet,
		Items:              req.Items,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"claims": summaries})
}

// GetClaim returns one claim by identifier.
func (s *Server) GetClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := s.claimID(w, r)
	if !ok {
		return
	}
	claim, err := s.store.GetClaim(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claimView(claim))
}

// ListClaims returns the claims owned by a wallet, newest first.
func (s *Server) ListClaims(w http.ResponseWriter, r *http.Request) {
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		http.Error(w, "wallet query parameter is required", http.StatusBadRequest)
		return
	}
	claims, err := s.store.ClaimsByWallet(r.Context(), wallet)
	if err != nil {
		s.respondError(w, err)
		return
	}
	views := make([]map[string]interface{}, 0, len(claims))
	for i := range claims {
		views = append(views, claimView(&claims[i]))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"claims": views})
}

type claimRequest struct {
	Wallet string `json:"wallet"`
}

// ClaimReward releases a compressed reward to its recipient.
func (s *Server) ClaimReward(w http.ResponseWriter, r *http.Request) {
	id, ok := s.claimID(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.settler.Claim(r.Context(), settlement.ClaimRequest{ClaimID: id, Wallet: req.Wallet})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// CompressClaim moves a pending claim's reward into compressed escrow.
func (s *Server) CompressClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := s.claimID(w, r)
	if !ok {
		return
	}
	claim, err := s.settler.Compress(r.Context(), id)
	if err != nil {
		if errors.Is(err, settlement.ErrConfirmationTimeout) && claim != nil {
			s.writeJSON(w, http.StatusAccepted, claimView(claim))
			return
		}
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claimView(claim))
}

// ReconcileClaim resolves a claim with an ambiguous in-flight transaction.
func (s *Server) ReconcileClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := s.claimID(w, r)
	if !ok {
		return
	}
	claim, err := s.settler.Reconcile(r.Context(), id)
	if err != nil {
		if errors.Is(err, settlement.ErrConfirmationTimeout) && claim != nil {
			s.writeJSON(w, http.StatusAccepted, claimView(claim))
			return
		}
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claimView(claim))
}

func (s *Server) claimID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid claim id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// respondError maps settlement errors onto HTTP statuses. Ledger payloads
// never leak to clients; they are logged and replaced with a generic body.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var validation *settlement.ValidationError
	var alreadyClaimed *settlement.AlreadyClaimedError
	var insufficient *settlement.InsufficientFundsError
	var ledgerErr *settlement.LedgerError
	switch {
	case errors.As(err, &validation):
		http.Error(w, validation.Msg, http.StatusBadRequest)
	case errors.Is(err, settlement.ErrClaimNotFound):
		http.Error(w, "claim not found", http.StatusNotFound)
	case errors.Is(err, settlement.ErrShopNotFound):
		http.Error(w, "shop not found", http.StatusNotFound)
	case errors.Is(err, settlement.ErrUnauthorized):
		http.Error(w, "wallet does not match claim recipient", http.StatusForbidden)
	case errors.As(err, &alreadyClaimed):
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error":     "reward already claimed",
			"signature": alreadyClaimed.Signature,
		})
	case errors.Is(err, settlement.ErrNotSettled):
		http.Error(w, "claim is not yet compressed", http.StatusConflict)
	case errors.Is(err, settlement.ErrStaleState):
		http.Error(w, "claim state changed concurrently", http.StatusConflict)
	case errors.Is(err, settlement.ErrConfirmationTimeout):
		http.Error(w, "transaction confirmation pending; reconcile before retrying", http.StatusAccepted)
	case errors.As(err, &insufficient):
		http.Error(w, "distribution account has insufficient funds", http.StatusConflict)
	case errors.As(err, &ledgerErr), errors.Is(err, ledger.ErrStaleHandle), errors.Is(err, ledger.ErrNoActiveHandles):
		s.logger.Error("ledger failure", "err", err)
		http.Error(w, "ledger unavailable", http.StatusBadGateway)
	default:
		s.logger.Error("internal error", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

func claimView(claim *models.RewardClaim) map[string]interface{} {
	return map[string]interface{}{
		"id":                     claim.ID,
		"paymentTxSignature":     claim.PaymentTxSignature,
		"shopId":                 claim.ShopID,
		"recipientWallet":        claim.RecipientWallet,
		"amount":                 claim.Amount,
		"state":                  claim.State,
		"compressionTxSignature": claim.CompressionTxSignature,
		"claimTxSignature":       claim.ClaimTxSignature,
		"pendingTxSignature":     claim.PendingTxSignature,
		"lastError":              claim.LastError,
		"createdAt":              claim.CreatedAt,
		"updatedAt":              claim.UpdatedAt,
	}
}

// Package rewards computes per-shop reward totals for an order. The
// calculation is pure: shop records are supplied by the caller and the
// result depends only on the inputs.
package rewards

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"tokenreward/models"
)

// LineItem is one order line as received from the intake boundary.
type LineItem struct {
	ShopID        uuid.UUID `json:"shopId"`
	ProductName   string    `json:"productName"`
	PerUnitReward int64     `json:"perUnitReward"`
	Quantity      int64     `json:"quantity"`
}

// ShopReward is the computed reward owed by one shop for the order.
type ShopReward struct {
	ShopID      uuid.UUID
	ShopName    string
	TokenSymbol string
	MintAddress string
	Amount      int64
}

// Calculate folds line items into per-shop totals. Items whose shop is not
// present in shops, or whose shop has no mint configured, are skipped and
// logged: a missing mint is a seller-side data problem, not a buyer-facing
// failure. Shops whose total is not positive are excluded entirely. The
// result is ordered by shop name for determinism.
func Calculate(items []LineItem, shops map[uuid.UUID]models.Shop, logger *slog.Logger) []ShopReward {
	if logger == nil {
		logger = slog.Default()
	}
	totals := make(map[uuid.UUID]int64)
	for _, item := range items {
		shop, ok := shops[item.ShopID]
		if !ok {
			logger.Warn("skipping reward for unknown shop", "shop_id", item.ShopID, "product", item.ProductName)
			continue
		}
		if strings.TrimSpace(shop.MintAddress) == "" {
			logger.Warn("skipping reward for shop without mint", "shop", shop.Name, "product", item.ProductName)
			continue
		}
		totals[item.ShopID] += item.PerUnitReward * item.Quantity
	}

	out := make([]ShopReward, 0, len(totals))
	for shopID, amount := range totals {
		if amount <= 0 {
			continue
		}
		shop := shops[shopID]
		out = append(out, ShopReward{
			ShopID:      shopID,
			ShopName:    shop.Name,
			TokenSymbol: shop.TokenSymbol,
			MintAddress: shop.MintAddress,
			Amount:      amount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShopName < out[j].ShopName })
	return out
}

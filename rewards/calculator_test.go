package rewards

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tokenreward/models"
)

func TestCalculateGroupsByShop(t *testing.T) {
	shopA := uuid.New()
	shopB := uuid.New()
	shops := map[uuid.UUID]models.Shop{
		shopA: {ID: shopA, Name: "Alpha Goods", TokenSymbol: "ALP", MintAddress: "MintA"},
		shopB: {ID: shopB, Name: "Beta Wares", TokenSymbol: "BET", MintAddress: "MintB"},
	}
	items := []LineItem{
		{ShopID: shopA, ProductName: "widget", PerUnitReward: 10, Quantity: 2},
		{ShopID: shopA, ProductName: "gadget", PerUnitReward: 5, Quantity: 1},
		{ShopID: shopB, ProductName: "gizmo", PerUnitReward: 7, Quantity: 3},
	}

	out := Calculate(items, shops, nil)
	require.Len(t, out, 2)
	require.Equal(t, "Alpha Goods", out[0].ShopName)
	require.Equal(t, int64(25), out[0].Amount)
	require.Equal(t, "MintA", out[0].MintAddress)
	require.Equal(t, "Beta Wares", out[1].ShopName)
	require.Equal(t, int64(21), out[1].Amount)
}

func TestCalculateSkipsUnknownAndMintlessShops(t *testing.T) {
	known := uuid.New()
	mintless := uuid.New()
	shops := map[uuid.UUID]models.Shop{
		known:    {ID: known, Name: "Known", MintAddress: "MintK"},
		mintless: {ID: mintless, Name: "NoMint", MintAddress: "  "},
	}
	items := []LineItem{
		{ShopID: known, PerUnitReward: 4, Quantity: 5},
		{ShopID: mintless, PerUnitReward: 100, Quantity: 1},
		{ShopID: uuid.New(), PerUnitReward: 50, Quantity: 2},
	}

	out := Calculate(items, shops, nil)
	require.Len(t, out, 1)
	require.Equal(t, known, out[0].ShopID)
	require.Equal(t, int64(20), out[0].Amount)
}

func TestCalculateExcludesNonPositiveTotals(t *testing.T) {
	shopID := uuid.New()
	shops := map[uuid.UUID]models.Shop{
		shopID: {ID: shopID, Name: "Zero", MintAddress: "MintZ"},
	}
	items := []LineItem{
		{ShopID: shopID, PerUnitReward: 0, Quantity: 10},
	}

	out := Calculate(items, shops, nil)
	require.Empty(t, out)
}

func TestCalculateEmptyInput(t *testing.T) {
	out := Calculate(nil, map[uuid.UUID]models.Shop{}, nil)
	require.Empty(t, out)
}

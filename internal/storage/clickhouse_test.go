package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talya/search-analytics/internal/models"
)

func TestPurchaseLinesPackUnpack(t *testing.T) {
	lines := []models.PurchaseLine{
		{ProductID: "gid://shopify/Product/1", Name: "Boot", Price: models.Float64Ptr(50), Quantity: models.IntPtr(2)},
		{ProductID: "gid://shopify/Product/2"},
	}

	cols := packLines(lines)
	assert.Equal(t, uint8(1), cols.HasLines)
	assert.Equal(t, []string{"gid://shopify/Product/1", "gid://shopify/Product/2"}, cols.ProductIDs)
	assert.Nil(t, cols.Prices[1])

	got, err := unpackLines(cols)
	require.NoError(t, err)
	assert.Equal(t, lines, got)
}

func TestPurchaseLinesNilStaysNil(t *testing.T) {
	got, err := unpackLines(packLines(nil))
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = unpackLines(packLines([]models.PurchaseLine{}))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestUnpackLinesRejectsRaggedArrays(t *testing.T) {
	_, err := unpackLines(purchaseColumnsCH{HasLines: 1, ProductIDs: []string{"a"}})
	assert.Error(t, err)
}

func TestClickHouseWindowBindsGroupAsInt32(t *testing.T) {
	where, args := chWindow(Query{ShopID: "shop", FromMs: 1, ToMs: 2, Group: models.IntPtr(1)})
	assert.Equal(t, "shop_id = ? AND timestamp_ms BETWEEN ? AND ? AND search_group = ?", where)
	assert.Equal(t, []any{"shop", int64(1), int64(2), int32(1)}, args)
}

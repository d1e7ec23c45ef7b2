package audit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBatchInsert(t *testing.T) {
	tenantID := uuid.New()
	userID := uuid.New()

	events := []Event{
		{
			TenantID:     tenantID,
			UserID:       &userID,
			Action:       ActionStockAdded,
			ResourceType: "stock",
			Metadata:     map[string]any{MetadataOldQuantity: 3, MetadataNewQuantity: 8},
			Source:       SourceAPI,
		},
		{
			TenantID:     tenantID,
			Action:       ActionProductImported,
			ResourceType: "product",
			Source:       SourceImport,
		},
	}

	sql, args, err := buildBatchInsert(events)
	require.NoError(t, err)
	assert.Contains(t, sql, "INSERT INTO audit_events")
	assert.Contains(t, sql, "(tenant_id,user_id,action,resource_type,resource_id,metadata,source)")
	assert.Contains(t, sql, "VALUES ($1,$2,$3,$4,$5,$6,$7),($8,$9,$10,$11,$12,$13,$14)")
	assert.Len(t, args, 14)
	assert.Equal(t, tenantID, args[0])
	assert.JSONEq(t, `{"old_quantity":3,"new_quantity":8}`, string(args[5].([]byte)))
}

func TestInsertBatch_Empty(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.InsertBatch(context.Background(), nil, nil))
}

func TestInsertBatch_DiscardsEventsWithoutTenant(t *testing.T) {
	db := &mockDB{}
	store := NewStore()

	err := store.InsertBatch(context.Background(), db, []Event{{Action: ActionAccessDenied}})
	require.NoError(t, err)
	assert.Equal(t, 0, db.insertCount())

	err = store.InsertBatch(context.Background(), db, []Event{{Action: ActionAccessDenied}, {TenantID: uuid.New(), Action: ActionAccessDenied}})
	require.NoError(t, err)
	assert.Equal(t, 1, db.insertCount())
}

func scopedSQL(t *testing.T, tenantID uuid.UUID, params ListEventsParams) (string, []any) {
	t.Helper()
	q, err := guard.ScopeQuery(&guard.Principal{TenantID: tenantID, Role: guard.RoleAdmin}, buildListQuery(params))
	require.NoError(t, err)
	sql, args, err := q.SQL()
	require.NoError(t, err)
	return sql, args
}

func TestBuildListQuery_NoFilters(t *testing.T) {
	tenantID := uuid.New()
	sql, args := scopedSQL(t, tenantID, ListEventsParams{})

	assert.Contains(t, sql, "WHERE tenant_id = $1")
	assert.Contains(t, sql, "ORDER BY created_at DESC")
	assert.Contains(t, sql, fmt.Sprintf("LIMIT %d", DefaultListLimit))
	assert.Equal(t, []any{tenantID}, args)
}

func TestBuildListQuery_AllFilters(t *testing.T) {
	userID := uuid.New()
	productID := uuid.New()
	locationID := uuid.New()
	action := "stock.added"
	resType := "stock"
	source := "api"
	after := time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC)
	before := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)

	sql, args := scopedSQL(t, uuid.New(), ListEventsParams{
		Action:       &action,
		ResourceType: &resType,
		UserID:       &userID,
		Source:       &source,
		After:        &after,
		Before:       &before,
		ProductID:    &productID,
		LocationID:   &locationID,
		Limit:        100,
	})

	assert.Contains(t, sql, "action = $")
	assert.Contains(t, sql, "resource_type = $")
	assert.Contains(t, sql, "user_id = $")
	assert.Contains(t, sql, "source = $")
	assert.Contains(t, sql, "created_at > $")
	assert.Contains(t, sql, "created_at < $")
	assert.Contains(t, sql, "metadata ->> 'product_id' = $")
	assert.Contains(t, sql, "metadata ->> 'to_location_id' = $")
	// tenant + 7 single filters + 3 location args
	assert.Len(t, args, 11)
	assert.True(t, strings.HasSuffix(sql, "LIMIT 100"))
}

func TestList_RequiresTenant(t *testing.T) {
	_, err := NewStore().List(context.Background(), &mockDB{}, &guard.Principal{Role: guard.RoleAdmin}, ListEventsParams{})
	assert.ErrorIs(t, err, guard.ErrNoTenant)

	_, err = NewStore().List(context.Background(), &mockDB{}, nil, ListEventsParams{})
	assert.ErrorIs(t, err, guard.ErrUnauthenticated)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ClampLimit(0))
	assert.Equal(t, DefaultListLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxListLimit, ClampLimit(MaxListLimit+1))
}

package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snublejuice/vinskraper/internal/model"
)

func strPtr(s string) *string { return &s }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		doc  model.Document
		want State
	}{
		{name: "active listing", doc: model.Document{"status": "aktiv", "buyable": true}, want: StateActive},
		{name: "expired status no channel", doc: model.Document{"status": "utgått"}, want: StateExpired},
		{name: "ascii status", doc: model.Document{"status": "utgatt", "buyable": false}, want: StateExpired},
		{name: "expired flag no channel", doc: model.Document{"expired": true}, want: StateExpired},
		{name: "expired but still in stores", doc: model.Document{"expired": true, "instores": true}, want: StateActive},
		{name: "expired but orderable", doc: model.Document{"status": "utgått", "orderable": true}, want: StateActive},
		{name: "no channel without expiry", doc: model.Document{"status": "aktiv"}, want: StateActive},
		{name: "missing everything", doc: model.Document{}, want: StateActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.doc))
		})
	}
}

func TestHeal_ActiveCopyWins(t *testing.T) {
	known := NewKnown([]int64{1, 2, 3}, []int64{3, 4, 2})
	assert.Equal(t, []int64{2, 3}, Heal(known))
	assert.Equal(t, StateActive, known.State(3))
	assert.Equal(t, StateExpired, known.State(4))
	assert.Equal(t, StateUnknown, known.State(5))
}

func TestNewRecord_SplitsAppendOnlyFields(t *testing.T) {
	rec := NewRecord(model.Document{"index": int64(9), "name": "X", "price 2025-01-01": 10.0, "discount 2025-01-01": 0.0})
	assert.Equal(t, int64(9), rec.Index)
	assert.Equal(t, model.Document{"name": "X", "discount 2025-01-01": 0.0}, rec.Fields)
	assert.Equal(t, model.Document{"price 2025-01-01": 10.0}, rec.Once)
}

func TestPlanDiscovery_NewAndReactivated(t *testing.T) {
	found := map[int64]model.Product{
		10: {Index: 10, Name: strPtr("Fresh")},
		20: {Index: 20, Name: strPtr("Back again")},
		30: {Index: 30, Name: strPtr("Already active")},
	}
	known := NewKnown([]int64{30}, []int64{20})

	plan := PlanDiscovery(found, known)
	assert.Equal(t, []int64{10}, plan.New)
	assert.Equal(t, []int64{20}, plan.Reactivate)
	require.Len(t, plan.Listings.Upserts, 2)

	byIndex := map[int64]Record{}
	for _, rec := range plan.Listings.Upserts {
		byIndex[rec.Index] = rec
	}
	assert.Equal(t, int64(0), byIndex[10].Fields["new"])
	assert.NotContains(t, byIndex[20].Fields, "new", "reactivated listings must not reset the counter")

	assert.ElementsMatch(t, []Transition{
		{Index: 10, From: StateUnknown, To: StateActive, Reason: ReasonDiscovered},
		{Index: 20, From: StateExpired, To: StateActive, Reason: ReasonReactivated},
	}, plan.Transitions)
}

func TestPlanProducts_RoutesByStateAndClassification(t *testing.T) {
	month := mustMonth(t, "2025-04-01")
	products := []model.Product{
		{Index: 1, Status: strPtr("aktiv"), Buyable: true, Prices: map[model.Month]float64{month: 100}},
		{Index: 2, Status: strPtr("utgått")},
		{Index: 3, Status: strPtr("aktiv"), Buyable: true},
		{Index: 4, Status: strPtr("aktiv"), Buyable: true},
	}
	known := NewKnown([]int64{1, 2}, []int64{3})

	plan := PlanProducts(products, known)
	require.Len(t, plan.Updates, 1)
	require.Len(t, plan.Upserts, 1)
	require.Len(t, plan.Expire, 1)
	require.Len(t, plan.Archive, 1)

	assert.Equal(t, int64(2), plan.Expire[0].Index)
	assert.Equal(t, int64(3), plan.Archive[0].Index, "archived records are refreshed in place, never reactivated")

	refreshed := plan.Updates[0]
	assert.Equal(t, int64(1), refreshed.Index, "known active records are updated, never inserted")
	assert.Equal(t, 100.0, refreshed.Once[model.PriceKey(month)])
	assert.NotContains(t, refreshed.Once, "new")
	assert.Equal(t, int64(4), plan.Upserts[0].Index)
	assert.Equal(t, int64(0), plan.Upserts[0].Once["new"])
}

func TestPlanAvailability_FlagsUnknownForRefresh(t *testing.T) {
	gone := "utgått"
	snaps := []model.Availability{
		{Index: 1, Buyable: true},
		{Index: 2, Status: &gone, Expired: true},
		{Index: 3, InStores: true, Stores: []string{"Oslo"}},
		{Index: 4, Status: &gone, Expired: true},
	}
	known := NewKnown([]int64{1, 2}, []int64{4})

	plan := PlanAvailability(snaps, known)

	require.Len(t, plan.Updates, 1)
	assert.Equal(t, int64(1), plan.Updates[0].Index)
	assert.NotContains(t, plan.Updates[0].Fields, "refresh")
	require.Len(t, plan.Upserts, 1)
	assert.Equal(t, int64(3), plan.Upserts[0].Index)
	assert.Equal(t, true, plan.Upserts[0].Fields["refresh"])

	require.Len(t, plan.Expire, 1)
	assert.Equal(t, int64(2), plan.Expire[0].Index)
	require.Len(t, plan.Archive, 1)
	assert.Equal(t, int64(4), plan.Archive[0].Index)
	assert.False(t, plan.Empty())
}

func mustMonth(t *testing.T, s string) model.Month {
	t.Helper()
	m, err := model.ParseMonth(s)
	require.NoError(t, err)
	return m
}

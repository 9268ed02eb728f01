// Package lifecycle classifies harvested records against the current catalog
// and archive membership and plans the writes that keep every index in
// exactly one of the two collections.
package lifecycle

import (
	"sort"

	"github.com/snublejuice/vinskraper/internal/model"
)

// State is the collection a product lives in.
type State int

const (
	// StateUnknown means the index is in neither collection.
	StateUnknown State = iota
	StateActive
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Transition reasons.
const (
	ReasonDiscovered  = "discovered"
	ReasonReactivated = "reactivated"
	ReasonExpired     = "expired"
	ReasonRefreshed   = "refreshed"
	ReasonArchived    = "archived"
)

// Transition records one lifecycle step for a product.
type Transition struct {
	Index  int64
	From   State
	To     State
	Reason string
}

// Known is the membership of both collections at the start of a pass.
type Known struct {
	Active  map[int64]struct{}
	Expired map[int64]struct{}
}

// NewKnown builds membership sets from index lists.
func NewKnown(active, expired []int64) Known {
	return Known{Active: model.IndexSet(active), Expired: model.IndexSet(expired)}
}

// State returns where index currently lives. An index in both collections
// reports active.
func (k Known) State(index int64) State {
	if _, ok := k.Active[index]; ok {
		return StateActive
	}
	if _, ok := k.Expired[index]; ok {
		return StateExpired
	}
	return StateUnknown
}

// Heal lists indexes present in both collections. The active copy wins: the
// archive copy only fills fields the active one lacks, then is deleted.
func Heal(k Known) []int64 {
	var dup []int64
	for id := range k.Active {
		if _, ok := k.Expired[id]; ok {
			dup = append(dup, id)
		}
	}
	sortIDs(dup)
	return dup
}

// Classify decides the target collection for a record. A record expires
// only when expiry is indicated and no purchase channel remains.
func Classify(doc model.Document) State {
	status, _ := doc[model.FieldStatus].(string)
	indicated := flag(doc, model.FieldExpired) || model.IsExpiredStatus(&status)
	channel := flag(doc, model.FieldBuyable) || flag(doc, model.FieldOrderable) || flag(doc, model.FieldInStores)
	if indicated && !channel {
		return StateExpired
	}
	return StateActive
}

func flag(doc model.Document, key string) bool {
	b, _ := doc[key].(bool)
	return b
}

// Record is one keyed write. Once holds append-only fields that must not
// overwrite a stored value.
type Record struct {
	Index  int64
	Fields model.Document
	Once   model.Document
}

// NewRecord splits doc into overwriting and append-only fields.
func NewRecord(doc model.Document) Record {
	idx, _ := doc.Index()
	r := Record{Index: idx, Fields: model.Document{}, Once: model.Document{}}
	for k, v := range doc {
		if k == model.FieldIndex {
			continue
		}
		if model.IsAppendOnly(k) {
			r.Once[k] = v
			continue
		}
		r.Fields[k] = v
	}
	return r
}

// Plan is the set of writes for one synchronization pass.
type Plan struct {
	// Upserts create or merge records new to the active catalog.
	Upserts []Record
	// Updates refresh records believed active. They never create a
	// document, so a record moved away concurrently is not resurrected.
	Updates []Record
	// Expire moves records from the active catalog into the archive,
	// merging the record over the stored active document.
	Expire []Record
	// Archive refreshes records already in the archive.
	Archive []Record
	// Transitions lists the lifecycle steps this plan performs.
	Transitions []Transition
}

// Empty reports whether the plan writes nothing.
func (p Plan) Empty() bool {
	return len(p.Upserts) == 0 && len(p.Updates) == 0 && len(p.Expire) == 0 && len(p.Archive) == 0
}

// PlanProducts plans the writes for detail-harvested products.
func PlanProducts(products []model.Product, known Known) Plan {
	docs := make([]model.Document, len(products))
	for i, p := range products {
		docs[i] = p.Document()
	}
	return plan(docs, known)
}

// PlanAvailability plans the writes for availability snapshots. A snapshot
// for an index in neither collection is flagged for refresh so the next
// discovery details it.
func PlanAvailability(snapshots []model.Availability, known Known) Plan {
	docs := make([]model.Document, len(snapshots))
	for i, a := range snapshots {
		if known.State(a.Index) == StateUnknown {
			a.Refresh = true
		}
		docs[i] = a.Document()
	}
	return plan(docs, known)
}

func plan(docs []model.Document, known Known) Plan {
	var out Plan
	for _, doc := range docs {
		rec := NewRecord(doc)
		from := known.State(rec.Index)
		to := Classify(doc)

		switch {
		case from == StateExpired:
			// Refreshes never reactivate; only rediscovery does.
			out.Archive = append(out.Archive, rec)
			out.Transitions = append(out.Transitions, Transition{Index: rec.Index, From: from, To: StateExpired, Reason: ReasonArchived})
		case to == StateExpired:
			delete(rec.Fields, model.FieldRefresh)
			out.Expire = append(out.Expire, rec)
			out.Transitions = append(out.Transitions, Transition{Index: rec.Index, From: from, To: StateExpired, Reason: ReasonExpired})
		case from == StateActive:
			out.Updates = append(out.Updates, rec)
			out.Transitions = append(out.Transitions, Transition{Index: rec.Index, From: from, To: StateActive, Reason: ReasonRefreshed})
		default:
			rec.Once[model.FieldNew] = int64(0)
			out.Upserts = append(out.Upserts, rec)
			out.Transitions = append(out.Transitions, Transition{Index: rec.Index, From: from, To: StateActive, Reason: ReasonDiscovered})
		}
	}
	return out
}

// DiscoveryPlan is the outcome of reconciling the new-products feed.
type DiscoveryPlan struct {
	// New lists products in neither collection.
	New []int64
	// Reactivate lists archived products seen again in the feed.
	Reactivate []int64
	// Listings upserts every discovered listing into the active catalog.
	// Reactivated records keep the counter set when they are moved back.
	Listings    Plan
	Transitions []Transition
}

// PlanDiscovery reconciles feed listings not already active.
func PlanDiscovery(found map[int64]model.Product, known Known) DiscoveryPlan {
	ids := make([]int64, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sortIDs(ids)

	var out DiscoveryPlan
	for _, id := range ids {
		state := known.State(id)
		if state == StateActive {
			continue
		}
		rec := NewRecord(found[id].Document())
		rec.Index = id
		switch state {
		case StateExpired:
			out.Reactivate = append(out.Reactivate, id)
			out.Transitions = append(out.Transitions, Transition{Index: id, From: StateExpired, To: StateActive, Reason: ReasonReactivated})
		default:
			rec.Fields[model.FieldNew] = int64(0)
			out.New = append(out.New, id)
			out.Transitions = append(out.Transitions, Transition{Index: id, From: StateUnknown, To: StateActive, Reason: ReasonDiscovered})
		}
		out.Listings.Upserts = append(out.Listings.Upserts, rec)
	}
	return out
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

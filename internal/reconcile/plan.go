package reconcile

import (
	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
)

// Match pairs a fresh feed record with the active beacon it overwrites.
type Match struct {
	Beacon domain.Beacon
	Record domain.Record
}

// Plan is the create/update/deactivate set for one source snapshot.
type Plan struct {
	Create     []domain.Record
	Update     []Match
	Deactivate []domain.Beacon
	// InFeed is the number of distinct external ids in the snapshot.
	InFeed int
}

// Diff computes the plan that makes the active set equal the snapshot's ids.
//
// A snapshot repeating an external_id keeps the last occurrence in feed order.
// If the store holds more than one active beacon for an id (possible only after
// out-of-band writes), the first one in active order is matched and the rest are deactivated.
func Diff(records []domain.Record, active []domain.Beacon) Plan {
	latest := make(map[string]int, len(records))
	order := make([]string, 0, len(records))
	for i, r := range records {
		if _, seen := latest[r.ExternalID]; !seen {
			order = append(order, r.ExternalID)
		}
		latest[r.ExternalID] = i
	}

	byID := make(map[string]domain.Beacon, len(active))
	var plan Plan
	for _, b := range active {
		if _, dup := byID[b.ExternalID]; dup {
			plan.Deactivate = append(plan.Deactivate, b)
			continue
		}
		byID[b.ExternalID] = b
	}

	plan.InFeed = len(order)
	for _, id := range order {
		rec := records[latest[id]]
		if b, ok := byID[id]; ok {
			plan.Update = append(plan.Update, Match{Beacon: b, Record: rec})
			continue
		}
		plan.Create = append(plan.Create, rec)
	}

	for _, b := range active {
		if byID[b.ExternalID].ID != b.ID {
			continue // already deactivated as a duplicate
		}
		if _, inFeed := latest[b.ExternalID]; !inFeed {
			plan.Deactivate = append(plan.Deactivate, b)
		}
	}

	return plan
}

// Package domain models the road incidents published by the Spanish traffic
// authority (DGT) through its DATEX II feeds.
//
// # Data Sources
//
// Three feeds are synchronized:
//
//	nacional    DATEX II v3.6 SituationPublication (DGT national network)
//	pais_vasco  DATEX II v1.0 SituationPublication (Basque Country traffic authority)
//	cataluna    DATEX II v1.0 SituationPublication (Catalan traffic service)
//
// Each feed is a full snapshot of the incidents currently active for that
// source. An incident that disappears from a snapshot has ended upstream.
//
// # Identity
//
// Situation record ids are only unique within a source, so a beacon is keyed by
// (source, external_id). The system assigns its own UUID to every beacon row;
// the same external id may reappear later and then gets a new row.
//
// # Lifecycle
//
//	first sighting        → new active beacon (created_at = updated_at = now)
//	seen again            → fields overwritten in place, updated_at refreshed
//	missing from snapshot → is_active = false, deleted_at = now (row retained)
//
// # Road Classification
//
// Spanish road identifiers encode the network they belong to:
//
//	A-6, AP-7     autopista   (motorways and toll motorways)
//	N-340         nacional    (national roads)
//	BI-20, GI-11  autonomica  (two-letter regional prefix)
//	C-12, L-501   provincial  (single-letter prefix)
//	Calle Mayor   local       (anything else with letters)
//
// Matching is case-insensitive and the hyphen is optional. See [ClassifyRoadType].
//
// # Flagged Incidents
//
// A beacon is flagged (the V16 emergency light case) when its detailed cause is
// "vehicleStuck" or its incident type is "vehicleObstruction" in any letter case.
// Both fields are persisted, so the predicate can be evaluated on stored rows.
// See [IsFlaggedIncident].
package domain

package domain

import "context"

// DefaultIsolationScore is returned when no score can be computed for a point.
const DefaultIsolationScore = 50.0

// IsolationScorer rates how far a point is from nearby services, from 0
// (dense urban area) to 100 (nothing within the search radius).
type IsolationScorer interface {
	IsolationScore(ctx context.Context, lat, lng float64) (float64, error)
}

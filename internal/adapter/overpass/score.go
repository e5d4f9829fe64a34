package overpass

// scoreBands maps an upper bound on the amenity count to an isolation score.
var scoreBands = []struct {
	maxCount int
	score    float64
}{
	{0, 100},
	{2, 85},
	{5, 70},
	{10, 50},
	{20, 35},
	{50, 20},
}

// ScoreFromCount converts a nearby-amenity count into an isolation score in
// [10, 100]. Fewer amenities means more isolated.
func ScoreFromCount(count int) float64 {
	for _, b := range scoreBands {
		if count <= b.maxCount {
			return b.score
		}
	}
	return 10
}

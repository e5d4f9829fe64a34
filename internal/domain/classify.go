package domain

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Road type labels produced by ClassifyRoadType.
const (
	RoadAutopista  = "autopista"
	RoadNacional   = "nacional"
	RoadAutonomica = "autonomica"
	RoadProvincial = "provincial"
	RoadLocal      = "local"
)

// Sentinels for the flagged-incident (V16) predicate.
const (
	FlaggedDetailedCause = "vehicleStuck"
	FlaggedIncidentType  = "vehicleobstruction"
)

// StaleAfter is how long a beacon may stay active before read consumers treat
// it as an upstream leftover.
const StaleAfter = 10 * time.Hour

type roadRule struct {
	re       *regexp.Regexp
	roadType string
}

// roadRules are evaluated in order against the upper-cased road name; first match wins.
var roadRules = []roadRule{
	{regexp.MustCompile(`^AP?-?\d`), RoadAutopista},       // A-6, AP-7
	{regexp.MustCompile(`^N-?\d`), RoadNacional},          // N-340
	{regexp.MustCompile(`^[A-Z]{2}-?\d`), RoadAutonomica}, // BI-20, GI-11
	{regexp.MustCompile(`^[A-Z]-?\d`), RoadProvincial},    // C-12, L-501
}

// ClassifyRoadType derives the Spanish road category from a road identifier.
// Returns nil when the name is empty or contains no letters.
func ClassifyRoadType(roadName *string) *string {
	if roadName == nil {
		return nil
	}
	name := strings.ToUpper(strings.TrimSpace(*roadName))
	if name == "" {
		return nil
	}

	for _, r := range roadRules {
		if r.re.MatchString(name) {
			return ptr(r.roadType)
		}
	}

	if strings.IndexFunc(name, unicode.IsLetter) >= 0 {
		return ptr(RoadLocal)
	}
	return nil
}

// IsFlaggedIncident reports whether a beacon describes a stationary vehicle
// obstruction (the V16 warning-light case).
func IsFlaggedIncident(r Record) bool {
	if r.DetailedCauseType != nil && *r.DetailedCauseType == FlaggedDetailedCause {
		return true
	}
	return strings.ToLower(r.IncidentType) == FlaggedIncidentType
}

// Classify fills the derived fields of a freshly parsed record.
func Classify(r Record) Record {
	r.RoadType = ClassifyRoadType(r.RoadName)
	return r
}

// MinutesActive returns whole minutes since activation, or 0 without an activation time.
func (b Beacon) MinutesActive(now time.Time) int {
	if b.ActivationTime == nil {
		return 0
	}
	return int(now.Sub(*b.ActivationTime) / time.Minute)
}

// IsStale reports whether the beacon has been active longer than StaleAfter.
func (b Beacon) IsStale(now time.Time) bool {
	return b.ActivationTime != nil && now.Sub(*b.ActivationTime) > StaleAfter
}

func ptr[T any](v T) *T { return &v }

// SameContent reports whether two records carry identical field values.
func (r Record) SameContent(o Record) bool {
	if r.ExternalID != o.ExternalID || r.Lat != o.Lat || r.Lng != o.Lng || r.IncidentType != o.IncidentType {
		return false
	}
	strs := [][2]*string{
		{r.DetailedCauseType, o.DetailedCauseType},
		{r.RoadName, o.RoadName},
		{r.RoadType, o.RoadType},
		{r.Severity, o.Severity},
		{r.Municipality, o.Municipality},
		{r.Province, o.Province},
		{r.AutonomousCommunity, o.AutonomousCommunity},
		{r.Direction, o.Direction},
		{r.PK, o.PK},
		{r.SourceIdentification, o.SourceIdentification},
	}
	for _, p := range strs {
		if !equalPtr(p[0], p[1]) {
			return false
		}
	}
	switch {
	case r.ActivationTime == nil || o.ActivationTime == nil:
		return r.ActivationTime == o.ActivationTime
	default:
		return r.ActivationTime.Equal(*o.ActivationTime)
	}
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

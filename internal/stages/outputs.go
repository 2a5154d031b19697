package stages

import (
	"github.com/sells-group/livability/internal/model"
	"github.com/sells-group/livability/pkg/places"
	"github.com/sells-group/livability/pkg/transitland"
)

// Stage names. Enrichment stages depend on the geocode root; scoring stages
// depend on enrichment outputs; report aggregates everything.
const (
	StageGeocode     = "geocode"
	StageWalkability = "walkability"
	StagePlaces      = "places"
	StageSchools     = "schools"
	StageCommute     = "commute"
	StageTransit     = "transit"
	StageGreenspace  = "greenspace"
	StageSafety      = "safety"

	StageThirdPlaceScore    = "third_place_score"
	StageTransitAccessScore = "transit_access_score"
	StageGreenScore         = "green_score"
	StageSchoolsScore       = "schools_score"
	StageSafetyScore        = "safety_score"
	StageCommuteScore       = "commute_score"

	StageReport = "report"
)

// Dimension names used in the final report.
const (
	DimThirdPlaces   = "third_places"
	DimTransitAccess = "transit_access"
	DimGreen         = "green"
	DimSchools       = "schools"
	DimSafety        = "safety"
	DimCommute       = "commute"
)

// GeocodeOutput is the root stage output every enrichment stage consumes.
type GeocodeOutput struct {
	Location    model.Coordinate `json:"location"`
	DisplayName string           `json:"display_name,omitempty"`
	Source      string           `json:"source"`
}

// WalkabilityOutput carries the composite walk/transit/bike sub-scores.
type WalkabilityOutput struct {
	Walk        int    `json:"walk"`
	Transit     *int   `json:"transit,omitempty"`
	Bike        *int   `json:"bike,omitempty"`
	Description string `json:"description,omitempty"`
}

// PlacesOutput groups nearby third places by category.
type PlacesOutput struct {
	ByCategory map[string][]places.Place `json:"by_category"`
	Total      int                       `json:"total"`
}

// SchoolsOutput lists schools within the search radius.
type SchoolsOutput struct {
	Schools []places.Place `json:"schools"`
}

// HubTime is the travel time to one commute hub.
type HubTime struct {
	Hub     string  `json:"hub"`
	Seconds float64 `json:"seconds"`
}

// CommuteOutput carries per-hub travel times. NearestHub is threaded into
// transit scoring so it is computed once.
type CommuteOutput struct {
	Times      []HubTime `json:"times"`
	NearestHub *HubTime  `json:"nearest_hub,omitempty"`
}

// TransitOutput profiles transit service around the address.
type TransitOutput struct {
	StopCount int                 `json:"stop_count"`
	Routes    []transitland.Route `json:"routes"`
	ByMode    map[string]int      `json:"by_mode,omitempty"`
}

// GreenspaceOutput summarizes map geometry around the address.
type GreenspaceOutput struct {
	ParkCount   int     `json:"park_count"`
	ParkAreaSqM float64 `json:"park_area_sq_m"`
	RoadLengthM float64 `json:"road_length_m"`
}

// SafetyOutput counts emergency coverage near the address.
type SafetyOutput struct {
	PoliceCount    int     `json:"police_count"`
	FireCount      int     `json:"fire_count"`
	NearestPoliceM float64 `json:"nearest_police_m,omitempty"`
	NearestFireM   float64 `json:"nearest_fire_m,omitempty"`
}

// ReportOutput is the final stage output the worker persists as the
// evaluation result body.
type ReportOutput struct {
	Address  string                          `json:"address"`
	Location model.Coordinate                `json:"location"`
	Scores   map[string]model.DimensionScore `json:"scores"`
	Overall  float64                         `json:"overall"`
}

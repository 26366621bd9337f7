package domain

// FlagType is the closed set of behavioral checks the pattern detector
// runs. Each check is evaluated independently.
type FlagType string

const (
	FlagTypeVelocity        FlagType = "velocity"
	FlagTypeSmurfing        FlagType = "smurfing"
	FlagTypeClustering      FlagType = "clustering"
	FlagTypeGeographicRisk  FlagType = "geographic_risk"
	FlagTypeProfileMismatch FlagType = "profile_mismatch"
)

// BehavioralFlag is produced by the behavioral pattern detector. Immutable.
type BehavioralFlag struct {
	Type        FlagType `json:"flagType"`
	Severity    Severity `json:"severity"`
	Score       float64  `json:"score"` // [0,100]
	Description string   `json:"description"`

	// DetectionDetails holds the numbers that tripped the check
	// (counts, multipliers, thresholds).
	DetectionDetails map[string]float64 `json:"detectionDetails,omitempty"`

	// HistoricalContext summarizes the history window the check saw.
	HistoricalContext string `json:"historicalContext,omitempty"`
}

package domain

// Priority is the tier assigned to a clean address by the smart filter.
type Priority string

const (
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
	PriorityExcluded Priority = "EXCLUDED"
)

// Priorities lists all tiers in output order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow, PriorityExcluded}

// AppliedBonus is one multiplicative adjustment that fired during scoring.
type AppliedBonus struct {
	Name       string  `json:"name"`
	Multiplier float64 `json:"multiplier"`
}

// ScoreBreakdown carries the four component subscores (each 0..100) and the
// bonuses applied on top of the weighted sum.
type ScoreBreakdown struct {
	EmailQuality       float64        `json:"email_quality"`
	CompanyRelevance   float64        `json:"company_relevance"`
	GeographicPriority float64        `json:"geographic_priority"`
	Engagement         float64        `json:"engagement"`
	Bonuses            []AppliedBonus `json:"bonuses,omitempty"`
	BonusProduct       float64        `json:"bonus_product"`
}

// ScoreResult is the smart filter's verdict for one address.
type ScoreResult struct {
	Address          string         `json:"address"`
	RawScore         float64        `json:"raw_score"`
	FinalScore       float64        `json:"final_score"`
	Priority         Priority       `json:"priority"`
	Breakdown        ScoreBreakdown `json:"breakdown"`
	ExclusionReasons []string       `json:"exclusion_reasons,omitempty"`
}

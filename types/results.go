package types

import "time"

// OptionTally is the released count of one poll option.
type OptionTally struct {
	OptionID string `json:"optionId"`
	Label    string `json:"label"`
	Count    int    `json:"count"`
}

// CellTally is the count of one demographic cell. Suppressed cells report a
// zero count and the flag instead of the real value.
type CellTally struct {
	Cell       DemographicCell `json:"cell"`
	Count      int             `json:"count"`
	Suppressed bool            `json:"suppressed"`
}

// PollResults is an aggregation snapshot of a poll. Option tallies are only
// released once the poll total clears the k-anonymity floor; demographic
// cells are additionally suppressed per cell.
type PollResults struct {
	PollID       string        `json:"pollId"`
	Total        int           `json:"total"`
	MinK         int           `json:"minK"`
	Released     bool          `json:"released"`
	Options      []OptionTally `json:"options,omitempty"`
	Cells        []CellTally   `json:"cells,omitempty"`
	NoiseApplied bool          `json:"noiseApplied,omitempty"`
	GeneratedAt  time.Time     `json:"generatedAt"`
}

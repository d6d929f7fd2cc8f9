package model

// StatisticsSource tells consumers where a Statistics value came from.
type StatisticsSource string

const (
	SourceServer    StatisticsSource = "server"
	SourceEstimated StatisticsSource = "estimated"
)

// BarberAvailability counts barbers by availability.
type BarberAvailability struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Busy      int `json:"busy"`
}

// Rollup holds the last-24h aggregates reported by the backend.
type Rollup struct {
	Served                int     `json:"served"`
	Removed               int     `json:"removed"`
	Total                 int     `json:"total"`
	AverageWaitMinutes    float64 `json:"averageWaitMinutes"`
	AverageServiceMinutes float64 `json:"averageServiceMinutes"`
}

// Statistics is the aggregate over one queue.
//
// When Source is SourceEstimated, AverageWaitMinutes is a position-based
// heuristic (position * minutes per slot), not a measured average.
type Statistics struct {
	Total                 int                `json:"total"`
	Waiting               int                `json:"waiting"`
	Serving               int                `json:"serving"`
	Next                  int                `json:"next"`
	Finished              int                `json:"finished"`
	Removed               int                `json:"removed"`
	Barbers               BarberAvailability `json:"barbers"`
	AverageWaitMinutes    float64            `json:"averageWaitMinutes"`
	AverageServiceMinutes float64            `json:"averageServiceMinutes"`
	Last24h               *Rollup            `json:"last24h,omitempty"`
	Source                StatisticsSource   `json:"source"`
}

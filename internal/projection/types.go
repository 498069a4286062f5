package projection

import (
	"time"

	"github.com/shopspring/decimal"
)

// CountQueryRequest represents the query parameters for fetching count series.
type CountQueryRequest struct {
	Property       string
	Scope          string
	EntityID       *int64
	Subgroup       *string
	FilterSubgroup bool
	Start          time.Time
	End            time.Time
}

// CountValue represents a single count data point in the response.
type CountValue struct {
	EntityID *int64          `json:"entity_id,omitempty"`
	Subgroup *string         `json:"subgroup,omitempty"`
	EndTime  time.Time       `json:"end_time"`
	Value    decimal.Decimal `json:"value"`
}

// CountQueryResponse represents the response for a count query.
type CountQueryResponse struct {
	Property    string       `json:"property"`
	Scope       string       `json:"scope"`
	Interval    string       `json:"interval"`
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	DataThrough *time.Time   `json:"data_through,omitempty"`
	Values      []CountValue `json:"values"`
}

// FillStateView is the API shape of one fill-state row.
type FillStateView struct {
	Property          string     `json:"property"`
	Interval          string     `json:"interval"`
	LastFilledEndTime *time.Time `json:"last_filled_end_time,omitempty"`
	Busy              bool       `json:"busy"`
	BusySince         *time.Time `json:"busy_since,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

package models

import (
	"encoding/json"
	"time"
)

// StateVectorColumns names the positional fields of one state vector in the
// order the provider publishes them.
var StateVectorColumns = []string{
	"icao24",
	"callsign",
	"origin_country",
	"time_position",
	"last_contact",
	"longitude",
	"latitude",
	"baro_altitude",
	"on_ground",
	"velocity",
	"true_track",
	"vertical_rate",
	"sensors",
	"geo_altitude",
	"squawk",
	"spi",
	"position_source",
	"category",
}

// StatesResponse is the envelope returned by the states endpoint. States are
// decoded one element at a time so a malformed entry can be reported by index.
type StatesResponse struct {
	Time   json.Number       `json:"time"`
	States []json.RawMessage `json:"states"`
}

// RawTable holds unprocessed provider fields, one row per state vector
type RawTable struct {
	Columns      []string
	Rows         [][]any
	ResponseTime int64
}

// ColumnIndex returns the position of the named column, or -1.
func (t *RawTable) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Len returns the number of rows
func (t *RawTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// FlightState is one aircraft's observed state after transformation.
// Nil pointers mean the provider had no value for the field.
type FlightState struct {
	ICAO24        string    `json:"icao24" bson:"icao24"`
	Callsign      *string   `json:"callsign" bson:"callsign"`
	OriginCountry string    `json:"origin_country" bson:"origin_country"`
	Longitude     *float64  `json:"longitude" bson:"longitude"`
	Latitude      *float64  `json:"latitude" bson:"latitude"`
	Altitude      *float64  `json:"altitude" bson:"altitude"`
	Velocity      *float64  `json:"velocity" bson:"velocity"`
	ObservedAt    time.Time `json:"observed_at" bson:"observed_at"`
	IngestedAt    time.Time `json:"ingested_at" bson:"ingested_at"`
}

// CleanTable holds transformed rows ready for loading
type CleanTable struct {
	Rows    []FlightState
	Dropped int
}

// Len returns the number of rows
func (t *CleanTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// FlightQuery filters stored flight states
type FlightQuery struct {
	ICAO24 string
	Since  time.Time
	Limit  int
	Offset int
}

// NamedCount is one entry of a ranked breakdown
type NamedCount struct {
	Name  string `json:"name" bson:"_id"`
	Count int64  `json:"count" bson:"count"`
}

// FlightStats summarises the stored flights table. RowsPerHour is indexed by
// the UTC hour of observed_at.
type FlightStats struct {
	TotalRows          int64        `json:"total_rows"`
	DistinctAircraft   int64        `json:"distinct_aircraft"`
	TopCallsigns       []NamedCount `json:"top_callsigns"`
	TopOriginCountries []NamedCount `json:"top_origin_countries"`
	RowsPerHour        [24]int64    `json:"rows_per_hour"`
}

// Ingestion status values
const (
	StatusSuccess  = "success"
	StatusNoData   = "no_data"
	StatusFailure  = "failure"
	StatusNeverRun = "never_run"
)

// IngestionStatus tracks the status of ingestion runs
type IngestionStatus struct {
	LastSuccessfulRun time.Time `json:"last_successful_run" bson:"last_successful_run"`
	LastAttempt       time.Time `json:"last_attempt" bson:"last_attempt"`
	Status            string    `json:"status" bson:"status"` // "success", "no_data", "failure"
	Stage             string    `json:"stage,omitempty" bson:"stage,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty" bson:"error_message,omitempty"`
	RecordsIngested   int       `json:"records_ingested" bson:"records_ingested"`
}

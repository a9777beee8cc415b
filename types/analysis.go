package types

// Filter restricts rows to those where Column compares to Value with Operator.
type Filter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// AutomatedFilters toggles the built-in cleaning passes of the streaming pipeline.
type AutomatedFilters struct {
	RemoveMissingValues bool `json:"remove_missing_values"`
	RemoveDuplicates    bool `json:"remove_duplicates"`
	RemoveOutliers      bool `json:"remove_outliers"`
}

// Cleaning configures value rewriting after projection.
type Cleaning struct {
	// HandleMissingValues, when set, replaces nulls with this value.
	HandleMissingValues any `json:"handle_missing_values,omitempty"`
	// Normalize is "min_max" or "z_score".
	Normalize string `json:"normalize,omitempty"`
}

// FilterRequest is the payload for POST /datasets/{id}/filter.
type FilterRequest struct {
	Filters          []Filter         `json:"filters"`
	Columns          []string         `json:"columns,omitempty"`
	AutomatedFilters AutomatedFilters `json:"automated_filters"`
	Cleaning         Cleaning         `json:"cleaning"`
}

// FilterResponse is the response for POST /datasets/{id}/filter.
type FilterResponse struct {
	FilteredData []map[string]any `json:"filtered_data"`
	RowCount     int              `json:"row_count"`
	Columns      Schema           `json:"columns"`
	SessionID    string           `json:"session_id"`
	ExpiresIn    int64            `json:"expires_in"`
}

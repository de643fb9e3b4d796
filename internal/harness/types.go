package harness

// TraceEvent is one entry in a scenario trace.
//
// Step events record what a step did; status events record a status change
// the step caused, in the order the engine applied them.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"` // "step" or "status"
	// Action is the step kind, or "status/<state>" for status events.
	Action  string         `json:"action"`
	Tab     string         `json:"tab,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Outcome string         `json:"outcome,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// Event types.
const (
	EventStep   = "step"
	EventStatus = "status"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors lists every failed expectation. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace appends a step event.
func (r *Result) AddStepTrace(seq int64, tab, action string, args map[string]any, outcome string, result map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     seq,
		Type:    EventStep,
		Action:  action,
		Tab:     tab,
		Args:    args,
		Outcome: outcome,
		Result:  result,
	})
}

// AddStatusTrace appends a status change event.
func (r *Result) AddStatusTrace(seq int64, tab, state string, args map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    seq,
		Type:   EventStatus,
		Action: "status/" + state,
		Tab:    tab,
		Args:   args,
	})
}

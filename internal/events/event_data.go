package events

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// SessionStartedData contains data for SessionStarted events
type SessionStartedData struct {
	SessionID     string `json:"session_id"`
	Family        string `json:"family"`
	HeadVersion   string `json:"head_version,omitempty"`
	MaxIterations int    `json:"max_iterations"`
}

// EventType returns the event type for SessionStartedData
func (d *SessionStartedData) EventType() EventType {
	return SessionStarted
}

// IterationStartedData contains data for IterationStarted events
type IterationStartedData struct {
	SessionID   string `json:"session_id"`
	Family      string `json:"family"`
	Iteration   int    `json:"iteration"`
	Scenario    string `json:"scenario"`
	HeadVersion string `json:"head_version,omitempty"`
}

// EventType returns the event type for IterationStartedData
func (d *IterationStartedData) EventType() EventType {
	return IterationStarted
}

// CandidateGeneratedData contains data for CandidateGenerated events
type CandidateGeneratedData struct {
	SessionID     string `json:"session_id"`
	Family        string `json:"family"`
	Version       string `json:"version"`
	ParentVersion string `json:"parent_version,omitempty"`
	FileReference string `json:"file_reference"`
}

// EventType returns the event type for CandidateGeneratedData
func (d *CandidateGeneratedData) EventType() EventType {
	return CandidateGenerated
}

// BacktestCompletedData contains data for BacktestCompleted events
type BacktestCompletedData struct {
	SessionID  string            `json:"session_id"`
	Family     string            `json:"family"`
	Version    string            `json:"version"`
	Succeeded  bool              `json:"succeeded"`
	ErrorCount int               `json:"error_count"`
	TimedOut   bool              `json:"timed_out"`
	DurationMs int64             `json:"duration_ms"`
	Metrics    map[string]string `json:"metrics,omitempty"`
}

// EventType returns the event type for BacktestCompletedData
func (d *BacktestCompletedData) EventType() EventType {
	return BacktestCompleted
}

// DecisionData contains data for HeadAdvanced and CandidateDiscarded events
type DecisionData struct {
	SessionID    string  `json:"session_id"`
	Family       string  `json:"family"`
	Version      string  `json:"version"`
	HeadVersion  string  `json:"head_version,omitempty"`
	Score        float64 `json:"score"`
	Delta        float64 `json:"delta"`
	Advanced     bool    `json:"advanced"`
	PreviousHead string  `json:"previous_head,omitempty"`
}

// EventType returns HeadAdvanced or CandidateDiscarded depending on the decision
func (d *DecisionData) EventType() EventType {
	if d.Advanced {
		return HeadAdvanced
	}
	return CandidateDiscarded
}

// SessionTerminatedData contains data for SessionTerminated events
type SessionTerminatedData struct {
	SessionID   string `json:"session_id"`
	Family      string `json:"family"`
	HeadVersion string `json:"head_version,omitempty"`
	Iterations  int    `json:"iterations"`
	Reason      string `json:"reason"`
	Error       string `json:"error,omitempty"`
}

// EventType returns the event type for SessionTerminatedData
func (d *SessionTerminatedData) EventType() EventType {
	return SessionTerminated
}

// OutputAmbiguousData is emitted when a backtest produced neither statistics nor errors
type OutputAmbiguousData struct {
	Family    string `json:"family"`
	Version   string `json:"version"`
	ExitCode  int    `json:"exit_code"`
	OutputRef string `json:"output_ref,omitempty"`
}

// EventType returns the event type for OutputAmbiguousData
func (d *OutputAmbiguousData) EventType() EventType {
	return OutputAmbiguous
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

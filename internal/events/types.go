// Package events provides event management functionality.
package events

// EventType represents different event types
type EventType string

const (
	// Evolution loop
	SessionStarted     EventType = "SESSION_STARTED"
	IterationStarted   EventType = "ITERATION_STARTED"
	CandidateGenerated EventType = "CANDIDATE_GENERATED"
	BacktestCompleted  EventType = "BACKTEST_COMPLETED"
	HeadAdvanced       EventType = "HEAD_ADVANCED"
	CandidateDiscarded EventType = "CANDIDATE_DISCARDED"
	SessionTerminated  EventType = "SESSION_TERMINATED"

	// Operator attention
	OutputAmbiguous EventType = "OUTPUT_AMBIGUOUS"
	ErrorOccurred   EventType = "ERROR_OCCURRED"
)

// AllEventTypes lists every event type the system emits, in loop order.
func AllEventTypes() []EventType {
	return []EventType{
		SessionStarted,
		IterationStarted,
		CandidateGenerated,
		BacktestCompleted,
		HeadAdvanced,
		CandidateDiscarded,
		SessionTerminated,
		OutputAmbiguous,
		ErrorOccurred,
	}
}

package scheduler

import (
	"sync"
	"time"
)

// State carries the lifecycle counters accumulated across scheduler cycles.
// It satisfies the recorder interfaces of the intake watcher, the task
// processor and the approval router, so every component reports into the
// same set of numbers.
type State struct {
	mu        sync.Mutex
	startedAt time.Time

	tasksDetected      int
	plansGenerated     int
	approvalsProcessed int
	tasksCompleted     int
	errors             int
}

// NewState creates counters anchored at the given start time.
func NewState(startedAt time.Time) *State {
	return &State{startedAt: startedAt}
}

func (s *State) TaskDetected() {
	s.mu.Lock()
	s.tasksDetected++
	s.mu.Unlock()
}

func (s *State) PlanGenerated() {
	s.mu.Lock()
	s.plansGenerated++
	s.mu.Unlock()
}

func (s *State) ApprovalProcessed() {
	s.mu.Lock()
	s.approvalsProcessed++
	s.mu.Unlock()
}

func (s *State) TaskCompleted() {
	s.mu.Lock()
	s.tasksCompleted++
	s.mu.Unlock()
}

func (s *State) ErrorOccurred() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// Snapshot is the JSON shape persisted to state/stats.json and read back by
// the status command.
type Snapshot struct {
	StartedAt          time.Time      `json:"started_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	TasksDetected      int            `json:"tasks_detected"`
	PlansGenerated     int            `json:"plans_generated"`
	ApprovalsProcessed int            `json:"approvals_processed"`
	TasksCompleted     int            `json:"tasks_completed"`
	Errors             int            `json:"errors"`
	Queues             map[string]int `json:"queues,omitempty"`
}

// Snapshot copies the current counters. Queue depths are filled in by the
// caller, which knows the vault.
func (s *State) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		StartedAt:          s.startedAt,
		UpdatedAt:          now,
		TasksDetected:      s.tasksDetected,
		PlansGenerated:     s.plansGenerated,
		ApprovalsProcessed: s.approvalsProcessed,
		TasksCompleted:     s.tasksCompleted,
		Errors:             s.errors,
	}
}

package domain

// Priority orders jobs for claim precedence (I6): higher priority is
// claimed before lower, ties broken by created_on ascending.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Rank returns the sort rank used to build lexicographically-ordered board
// keys: lower rank sorts first (0 = HIGH, 1 = NORMAL, 2 = LOW). Unknown
// priorities rank last, after LOW.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// State is the observed (derived, never stored) state of a job.
type State string

const (
	StateUnclaimed State = "UNCLAIMED"
	StateClaimed   State = "CLAIMED"
	StateComplete  State = "COMPLETE"
	StateTrashed   State = "TRASHED"
)

// Book references the logbook created alongside a job's flow detail.
type Book struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// Details carries the board-visible payload of a job: the store overrides
// handed to the engine, the flow_detail reference, and optional
// delayed/scheduled dispatch metadata.
type Details struct {
	Store    map[string]any `json:"store"`
	FlowUUID string         `json:"flow_uuid"`
	RunAt    *int64         `json:"run_at,omitempty"`
	Schedule string         `json:"schedule,omitempty"`

	// ScheduleName identifies the named entry in reset_schedule's
	// reconciliation map that produced this job, so a future occurrence
	// can be matched back to its spec instead of re-keyed on cron text.
	ScheduleName string `json:"schedule_name,omitempty"`
}

// Job is the immutable-once-posted record serialized onto the board. Uuid,
// Name, Priority, Book and Details round-trip through the wire exactly;
// CreatedOn/LastModified/State/Path are never serialized. zkboard derives
// CreatedOn/LastModified from the backing node's stat; redisboard sets them
// only on the job Post returns and leaves them zero on jobs read back.
type Job struct {
	UUID     string   `json:"uuid"`
	Name     string   `json:"name"`
	Priority Priority `json:"priority"`
	Book     Book     `json:"book"`
	Details  Details  `json:"details"`

	CreatedOn    int64  `json:"-"` // unix millis, from board metadata
	LastModified int64  `json:"-"` // unix millis, from board metadata
	State        State  `json:"-"`
	Path         string `json:"-"` // board-internal record path/key
	BoardName    string `json:"-"`

	// CompileFailures is the locally-observed compile-failure count, copied
	// in by the conductor from its per-process counter (which is what its
	// trash-vs-abandon decision reads). See DESIGN.md "Open Question
	// resolutions" #1.
	CompileFailures int `json:"-"`
}

// BookUUID is a convenience accessor mirroring spec.md's book_uuid field.
func (j *Job) BookUUID() string {
	return j.Book.UUID
}

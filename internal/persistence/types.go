package persistence

// UpdateJobStatus is the state of an ingress queue job.
type UpdateJobStatus string

const (
	UpdateJobQueued    UpdateJobStatus = "queued"
	UpdateJobLeased    UpdateJobStatus = "leased"
	UpdateJobCompleted UpdateJobStatus = "completed"
	UpdateJobFailed    UpdateJobStatus = "failed"
)

// RunJobStatus is the state of a CLI run queue job.
type RunJobStatus string

const (
	RunJobQueued    RunJobStatus = "queued"
	RunJobLeased    RunJobStatus = "leased"
	RunJobInFlight  RunJobStatus = "in_flight"
	RunJobCompleted RunJobStatus = "completed"
	RunJobFailed    RunJobStatus = "failed"
	RunJobCancelled RunJobStatus = "cancelled"
)

// Session statuses.
const (
	SessionActive = "active"
	SessionReset  = "reset"
)

// Turn statuses.
const (
	TurnQueued    = "queued"
	TurnRunning   = "running"
	TurnCompleted = "completed"
	TurnFailed    = "failed"
	TurnCancelled = "cancelled"
)

// Deferred button action statuses.
const (
	DeferredPending   = "pending"
	DeferredPromoted  = "promoted"
	DeferredCancelled = "cancelled"
)

// UpdateRecord is a persisted raw platform update.
type UpdateRecord struct {
	BotID       string
	UpdateID    int64
	ChatID      int64
	PayloadJSON string
	ReceivedAt  int64
}

// UpdateJob is an ingress queue entry. PayloadJSON is joined in from
// telegram_updates when the job is claimed.
type UpdateJob struct {
	JobID          string
	BotID          string
	UpdateID       int64
	Status         UpdateJobStatus
	Attempts       int
	AvailableAt    int64
	LeaseOwner     string
	LeaseExpiresAt int64
	LastError      string
	PayloadJSON    string
	CreatedAt      int64
	UpdatedAt      int64
}

// Session is one conversation context between a chat and an adapter.
type Session struct {
	SessionID        string
	BotID            string
	ChatID           int64
	AdapterName      string
	AdapterModel     string
	AdapterThreadID  string
	Status           string
	RollingSummaryMD string
	LastTurnAt       int64
	CreatedAt        int64
	UpdatedAt        int64
}

// Turn is one user prompt and its eventual assistant outcome.
type Turn struct {
	TurnID        string
	SessionID     string
	BotID         string
	ChatID        int64
	UserText      string
	AssistantText string
	Status        string
	ErrorText     string
	StartedAt     int64
	FinishedAt    int64
	CreatedAt     int64
	UpdatedAt     int64
}

// RunJob is a CLI run queue entry, one per turn.
type RunJob struct {
	JobID           string
	BotID           string
	ChatID          int64
	SessionID       string
	TurnID          string
	Status          RunJobStatus
	Attempts        int
	AvailableAt     int64
	LeaseOwner      string
	LeaseExpiresAt  int64
	CancelRequested bool
	LastError       string
	CreatedAt       int64
	UpdatedAt       int64
}

// CliEvent is one normalized adapter event persisted under a turn.
type CliEvent struct {
	TurnID      string
	Seq         int
	TS          string
	EventType   string
	PayloadJSON string
}

// ActionTokenRecord is a consume-once inline button token.
type ActionTokenRecord struct {
	Token       string
	BotID       string
	ChatID      int64
	Action      string
	PayloadJSON string
	ExpiresAt   int64
	ConsumedAt  int64
	CreatedAt   int64
}

// DeferredAction is a queued button action waiting for the active run to
// finish.
type DeferredAction struct {
	ActionID     string
	BotID        string
	ChatID       int64
	SessionID    string
	ActionType   string
	PromptText   string
	OriginTurnID string
	Status       string
	CreatedAt    int64
	UpdatedAt    int64
}

// AuditEntry is one owner-sensitive action record.
type AuditEntry struct {
	AuditID    int64
	BotID      string
	ChatID     int64
	Actor      string
	Action     string
	DetailJSON string
	CreatedAt  int64
}

package report

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound      = errors.New("report: task not found")
	ErrInvalidTransition = errors.New("report: invalid state transition")
	ErrNoText            = errors.New("report: no text provided for analysis")
	ErrReportNotFound    = errors.New("report: analysis result not found")
	ErrExtraction        = errors.New("report: text extraction failed")
)

// Indicator is one clinical measurement as printed on the report. Value keeps
// the unit, e.g. "13.5 g/dL".
type Indicator struct {
	Indicator string `json:"Indicator" bson:"Indicator"`
	Value     string `json:"Value" bson:"Value"`
}

// AnalysisResult is the persisted outcome of one completed pipeline run.
type AnalysisResult struct {
	ID          uuid.UUID   `json:"id"`
	UserID      string      `json:"user_id"`
	Filename    string      `json:"filename"`
	UploadDate  time.Time   `json:"upload_date"`
	RawText     string      `json:"raw_text"`
	Summary     string      `json:"simple_summary"`
	Indicators  []Indicator `json:"structured_entities"`
	StoragePath string      `json:"file_storage_path,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Payload is what a polling client receives once a task completes.
type Payload struct {
	Indicators []Indicator `json:"indicators"`
	Summary    string      `json:"summary"`
	ResultID   string      `json:"result_id,omitempty"`
}

// State is a pipeline task state.
type State string

const (
	StateSubmitted  State = "SUBMITTED"
	StateExtracting State = "EXTRACTING"
	StateExtracted  State = "EXTRACTED"
	StateAnalyzing  State = "ANALYZING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Every non-terminal state can fail, so a job that errors before claiming
// its task can still close it.
var transitions = map[State][]State{
	StateSubmitted:  {StateExtracting, StateFailed},
	StateExtracting: {StateExtracted, StateFailed},
	StateExtracted:  {StateAnalyzing, StateFailed},
	StateAnalyzing:  {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Label is the state name shown to status callers. EXTRACTED is a hand-off
// point between stages and is reported as ANALYZING.
func (s State) Label() string {
	switch s {
	case StateSubmitted:
		return "PENDING"
	case StateExtracted:
		return string(StateAnalyzing)
	default:
		return string(s)
	}
}

// Failure kinds recorded on a FAILED task.
const (
	FailureExtraction = "extraction_failed"
	FailureEmptyInput = "empty_input"
	FailureInternal   = "internal_error"
)

// NoTextMessage is the failure reason reported when stage two has no text.
const NoTextMessage = "No text provided for analysis"

// Task is the durable per-upload record driven through the state machine.
type Task struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Filename    string    `json:"filename"`
	FilePath    string    `json:"file_path,omitempty"`
	StoragePath string    `json:"storage_path,omitempty"`
	SourceText  string    `json:"source_text,omitempty"`
	State       State     `json:"state"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	Result      *Payload  `json:"result,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Status is the answer to a status query.
type Status struct {
	TaskID string   `json:"task_id"`
	Status string   `json:"status"`
	Result *Payload `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// StatusOf renders t for a status query. It never modifies t.
func StatusOf(t *Task) *Status {
	st := &Status{TaskID: t.ID, Status: t.State.Label()}
	switch t.State {
	case StateCompleted:
		st.Result = t.Result
	case StateFailed:
		st.Error = t.Error
	}
	return st
}

// Package occurrence builds the concrete task instances spawned by recurring
// rules.
package occurrence

import "time"

const (
	// StatusTodo is the initial open status of every new occurrence.
	StatusTodo = "todo"
	StatusDone = "done"
)

type Subtask struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Order       int        `json:"order"`
	AutoReset   bool       `json:"autoReset"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Reminder fires BeforeMinutes ahead of the occurrence due date.
type Reminder struct {
	BeforeMinutes int       `json:"beforeMinutes"`
	Channel       string    `json:"channel,omitempty"`
	Target        string    `json:"target,omitempty"`
	Sent          bool      `json:"sent"`
	FireAt        time.Time `json:"fireAt,omitzero"`
}

type Billing struct {
	Billable   bool    `json:"billable"`
	HourlyRate float64 `json:"hourlyRate,omitempty"`
	FlatFee    float64 `json:"flatFee,omitempty"`
	Currency   string  `json:"currency,omitempty"`
	// Invoiced and InvoiceID belong to a single occurrence.
	Invoiced  bool   `json:"invoiced"`
	InvoiceID string `json:"invoiceId,omitempty"`
}

type Court struct {
	CourtName   string `json:"courtName,omitempty"`
	CaseNumber  string `json:"caseNumber,omitempty"`
	Judge       string `json:"judge,omitempty"`
	HearingType string `json:"hearingType,omitempty"`
}

// Template is the task a rule is attached to. All of its fields except the
// per-occurrence state are copied into every occurrence.
type Template struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	TaskType    string     `json:"taskType,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Status      string     `json:"status,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	MatterID    string     `json:"matterId,omitempty"`
	ClientID    string     `json:"clientId,omitempty"`
	Billing     Billing    `json:"billing"`
	Court       Court      `json:"court"`
	Reminders   []Reminder `json:"reminders,omitempty"`
	Subtasks    []Subtask  `json:"subtasks,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Descriptor is a generated occurrence, ready to be persisted.
type Descriptor struct {
	ID       string    `json:"id"`
	ParentID string    `json:"parentId"`
	RuleID   string    `json:"ruleId"`
	Sequence int       `json:"sequence"`
	DueDate  time.Time `json:"dueDate"`
	Assignee string    `json:"assignee"`
	Status   string    `json:"status"`

	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	TaskType    string     `json:"taskType,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	MatterID    string     `json:"matterId,omitempty"`
	ClientID    string     `json:"clientId,omitempty"`
	Billing     Billing    `json:"billing"`
	Court       Court      `json:"court"`
	Subtasks    []Subtask  `json:"subtasks,omitempty"`
	Reminders   []Reminder `json:"reminders,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// CreatedAt is stamped by the scheduler at commit time.
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

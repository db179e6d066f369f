package domain

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	StatusScheduled  TaskStatus = "SCHEDULED"
	StatusReady      TaskStatus = "READY"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusDelayed    TaskStatus = "DELAYED"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusCancelled  TaskStatus = "CANCELLED"
)

var taskStatuses = []TaskStatus{StatusScheduled, StatusReady, StatusInProgress, StatusDelayed, StatusCompleted, StatusCancelled}

// ParseTaskStatus accepts any casing and '-' in place of '_'.
func ParseTaskStatus(s string) (TaskStatus, error) {
	norm := TaskStatus(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	for _, st := range taskStatuses {
		if st == norm {
			return st, nil
		}
	}
	return "", Invalid("unknown task status %q", s)
}

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// EventName is the domain event emitted when a task enters s.
func (s TaskStatus) EventName() string {
	return "task." + strings.ToLower(string(s))
}

// Priority is a closed ordinal; higher is more urgent.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

const MaxTaskLabels = 3

type Task struct {
	ID                          string     `json:"id"`
	OrgID                       string     `json:"org_id"`
	Title                       string     `json:"title"`
	Status                      TaskStatus `json:"status" enum:"SCHEDULED,READY,IN_PROGRESS,DELAYED,COMPLETED,CANCELLED"`
	AssigneeID                  *string    `json:"assignee_id,omitempty"`
	Priority                    Priority   `json:"priority" minimum:"0" maximum:"2"`
	CreatedBy                   string     `json:"created_by"`
	CreatedAt                   time.Time  `json:"created_at"`
	StartedAt                   *time.Time `json:"started_at,omitempty"`
	FinishedBy                  *string    `json:"finished_by,omitempty"`
	FinishedAt                  *time.Time `json:"finished_at,omitempty"`
	StatusChangedAt             time.Time  `json:"status_changed_at"`
	PriorityChangedAt           time.Time  `json:"priority_changed_at"`
	ScheduledFor                *time.Time `json:"scheduled_for,omitempty"`
	ScheduledNotificationPeriod *int       `json:"scheduled_notification_period,omitempty"`
	DisplayOrder                int        `json:"display_order"`
	LabelIDs                    []string   `json:"label_ids,omitempty"`
	Version                     int64      `json:"version"`
}

// Assigned reports whether the task currently has an assignee.
func (t Task) Assigned() bool {
	return t.AssigneeID != nil && *t.AssigneeID != ""
}

// Assignee returns the assignee id or "".
func (t Task) Assignee() string {
	if t.AssigneeID == nil {
		return ""
	}
	return *t.AssigneeID
}

type DelayedTask struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	DelayFor  int64      `json:"delay_for"`
	DelayedAt time.Time  `json:"delayed_at"`
	DelayedBy string     `json:"delayed_by"`
	Reason    *string    `json:"reason,omitempty"`
	Snoozed   *bool      `json:"snoozed,omitempty"`
	Expired   *time.Time `json:"expired,omitempty"`
}

// Open reports whether the delay is still active.
func (d DelayedTask) Open() bool {
	return d.Expired == nil
}

// Actor is the authenticated caller, resolved before it reaches the engine.
type Actor struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Role  string `json:"role"`
}

func (a Actor) String() string {
	return fmt.Sprintf("%s@%s(%s)", a.ID, a.OrgID, a.Role)
}

type User struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Role      string    `json:"role"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Actor returns the identity the engine acts on behalf of.
func (u User) Actor() Actor {
	return Actor{ID: u.ID, OrgID: u.OrgID, Role: u.Role}
}

type Organisation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Label struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Name  string `json:"name"`
}

type AuditLogEntry struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	ActorID    string    `json:"actor_id"`
	Operation  string    `json:"operation"`
	Resource   string    `json:"resource"`
	ResourceID *string   `json:"resource_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Activity struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Name       string    `json:"name"`
	Summary    string    `json:"summary"`
	OccurredAt time.Time `json:"occurred_at"`
}

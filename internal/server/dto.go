package server

import (
	"time"

	"taskdesk/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID                          *string    `json:"id,omitempty"`
	OrgID                       *string    `json:"org_id,omitempty"`
	Title                       string     `json:"title" minLength:"1"`
	Status                      *string    `json:"status,omitempty" enum:"READY,SCHEDULED"`
	Priority                    *int       `json:"priority,omitempty" minimum:"0" maximum:"2"`
	AssigneeID                  *string    `json:"assignee_id,omitempty"`
	ScheduledFor                *time.Time `json:"scheduled_for,omitempty"`
	ScheduledNotificationPeriod *int       `json:"scheduled_notification_period,omitempty"`
	LabelIDs                    []string   `json:"label_ids,omitempty" maxItems:"3"`
	SkipNotify                  bool       `json:"skip_notify,omitempty"`
}

type TransitionRequest struct {
	Status string `json:"status" enum:"SCHEDULED,READY,IN_PROGRESS,DELAYED,COMPLETED,CANCELLED"`
}

type AssignRequest struct {
	AssigneeID string `json:"assignee_id" minLength:"1"`
	// Notify defaults to true.
	Notify *bool `json:"notify,omitempty"`
}

type DelayRequest struct {
	DelayFor int64   `json:"delay_for" minimum:"1" doc:"Seconds"`
	Reason   *string `json:"reason,omitempty"`
	Snoozed  *bool   `json:"snoozed,omitempty"`
}

type PriorityRequest struct {
	Priority int `json:"priority" minimum:"0" maximum:"2"`
}

type CreateUserRequest struct {
	ID    string  `json:"id" minLength:"1"`
	OrgID *string `json:"org_id,omitempty"`
	Role  string  `json:"role" enum:"user,manager,admin,superadmin"`
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

type RoleRequest struct {
	Role string `json:"role" enum:"user,manager,admin,superadmin"`
}

type CreateLabelRequest struct {
	OrgID *string `json:"org_id,omitempty"`
	Name  string  `json:"name" minLength:"1"`
}

// Response payloads

type TaskOutput struct {
	Body domain.Task
}

type TaskListOutput struct {
	Body struct {
		Items []domain.Task `json:"items"`
	}
}

type DelayOutput struct {
	Body struct {
		Task  domain.Task        `json:"task"`
		Delay domain.DelayedTask `json:"delay"`
	}
}

type DelayListOutput struct {
	Body struct {
		Items []domain.DelayedTask `json:"items"`
	}
}

type AuditListOutput struct {
	Body struct {
		Items []domain.AuditLogEntry `json:"items"`
	}
}

type ActivityListOutput struct {
	Body struct {
		Items []domain.Activity `json:"items"`
	}
}

type UserOutput struct {
	Body domain.User
}

type LabelOutput struct {
	Body domain.Label
}

type ActorOutput struct {
	Body domain.Actor
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

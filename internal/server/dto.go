package server

import (
	"time"

	"flowdesk/internal/domain"
	"flowdesk/internal/schedule"
)

type CreateUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role" enum:"admin,controller,member,bde"`
}

type UpdateUserRequest struct {
	Role     *string `json:"role,omitempty" enum:"admin,controller,member,bde"`
	IsActive *bool   `json:"is_active,omitempty"`
}

type CreateClientRequest struct {
	ClientName    string  `json:"client_name"`
	CompanyName   *string `json:"company_name,omitempty"`
	ContactPerson *string `json:"contact_person,omitempty"`
	Email         *string `json:"email,omitempty"`
	PhoneNumber   *string `json:"phone_number,omitempty"`
	Timezone      string  `json:"timezone,omitempty"`
	Website       *string `json:"website,omitempty"`
	Notes         *string `json:"notes,omitempty"`
}

type UpdateClientRequest struct {
	ClientName    *string `json:"client_name,omitempty"`
	CompanyName   *string `json:"company_name,omitempty"`
	ContactPerson *string `json:"contact_person,omitempty"`
	Email         *string `json:"email,omitempty"`
	PhoneNumber   *string `json:"phone_number,omitempty"`
	Timezone      *string `json:"timezone,omitempty"`
	Website       *string `json:"website,omitempty"`
	Notes         *string `json:"notes,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
}

type ImportTemplateRequest struct {
	Name        string              `json:"name"`
	Category    string              `json:"category,omitempty"`
	Description string              `json:"description,omitempty"`
	Tasks       []TemplateTaskInput `json:"tasks"`
}

type TemplateTaskInput struct {
	Name             string               `json:"name"`
	Description      string               `json:"description,omitempty"`
	Order            int                  `json:"order"`
	DurationMinutes  int                  `json:"task_duration_minutes" minimum:"1"`
	SLAHours         int                  `json:"sla_hours" minimum:"1"`
	RequiresApproval bool                 `json:"requires_approval,omitempty"`
	DefaultRole      string               `json:"default_role,omitempty"`
	Checklist        []ChecklistItemInput `json:"checklist,omitempty"`
}

type ChecklistItemInput struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Required   bool   `json:"required,omitempty"`
	HasInput   bool   `json:"hasInput,omitempty"`
	InputLabel string `json:"inputLabel,omitempty"`
}

// TemplateResponse bundles a template with its ordered tasks.
type TemplateResponse struct {
	domain.Template
	Tasks []domain.TemplateTask `json:"tasks"`
}

type AssignmentInput struct {
	AssigneeID string `json:"assignee_id"`
	ApproverID string `json:"approver_id,omitempty"`
}

type CreateInstanceRequest struct {
	TemplateID string `json:"template_id"`
	ClientID   string `json:"client_id"`
	Name       string `json:"name"`
	// Assignments is keyed by template task ID.
	Assignments  map[string]AssignmentInput `json:"assignments"`
	AllowPartial bool                       `json:"allow_partial,omitempty"`
}

// InstanceResponse bundles an instance with its task instances in template
// order.
type InstanceResponse struct {
	domain.Instance
	Tasks []TaskInstanceResponse `json:"tasks,omitempty"`
}

// TaskInstanceResponse decorates a task instance with the informational time
// remaining against its due date.
type TaskInstanceResponse struct {
	domain.TaskInstance
	TimeRemaining *schedule.Remaining `json:"time_remaining,omitempty"`
}

func taskInstanceResponse(ti domain.TaskInstance, now time.Time) TaskInstanceResponse {
	resp := TaskInstanceResponse{TaskInstance: ti}
	if due, err := time.Parse(time.RFC3339, ti.DueDate); err == nil {
		r := schedule.TimeRemaining(due, now)
		resp.TimeRemaining = &r
	}
	return resp
}

func mapTaskInstances(items []domain.TaskInstance, now time.Time) []TaskInstanceResponse {
	res := make([]TaskInstanceResponse, 0, len(items))
	for _, ti := range items {
		res = append(res, taskInstanceResponse(ti, now))
	}
	return res
}

type SubmitTaskRequest struct {
	ChecklistValues []domain.ChecklistValue `json:"checklist_values,omitempty"`
	Comment         string                  `json:"comment,omitempty"`
	DeliverableLink string                  `json:"deliverable_link,omitempty"`
	ApproverID      string                  `json:"approver_id,omitempty"`
}

type RejectTaskRequest struct {
	Feedback string `json:"feedback"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	// Key is returned once at creation; only its hash is stored.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Source string `json:"source"`
}

type StatusResponse struct {
	Instances map[string]int `json:"instances"`
	Tasks     map[string]int `json:"tasks"`
	Clients   int            `json:"clients"`
	Templates int            `json:"templates"`
}

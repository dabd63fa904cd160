package domain

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role" enum:"admin,controller,member,bde"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Client struct {
	ID            string  `json:"id"`
	ClientName    string  `json:"client_name"`
	CompanyName   *string `json:"company_name,omitempty"`
	ContactPerson *string `json:"contact_person,omitempty"`
	Email         *string `json:"email,omitempty"`
	PhoneNumber   *string `json:"phone_number,omitempty"`
	Timezone      string  `json:"timezone"`
	Website       *string `json:"website,omitempty"`
	Notes         *string `json:"notes,omitempty"`
	IsActive      bool    `json:"is_active"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Template is a reusable ordered definition of workflow steps. Templates are
// treated as immutable once published; the engine only ever reads them.
type Template struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Category    *string `json:"category,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    bool    `json:"is_active"`
	OwnerID     *string `json:"owner_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// TemplateTask is one step of a Template. Order indices form a dense 0..n-1
// sequence within the template; the task at order 0 is the entry point.
type TemplateTask struct {
	ID               string          `json:"id"`
	TemplateID       string          `json:"template_id"`
	Name             string          `json:"name"`
	Description      *string         `json:"description,omitempty"`
	Order            int             `json:"order"`
	DurationMinutes  int             `json:"task_duration_minutes"`
	SLAHours         int             `json:"sla_hours"`
	RequiresApproval bool            `json:"requires_approval"`
	DefaultRole      *string         `json:"default_role,omitempty"`
	Checklist        []ChecklistItem `json:"checklist"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
}

type ChecklistItem struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Required   bool   `json:"required"`
	HasInput   bool   `json:"hasInput,omitempty"`
	InputLabel string `json:"inputLabel,omitempty"`
}

// Instance is one run of a Template against a Client. Status, progress and
// current task index are derived by the engine from its task instances and
// are never authoritative on their own.
type Instance struct {
	ID               string  `json:"id"`
	TemplateID       string  `json:"template_id"`
	ClientID         string  `json:"client_id"`
	Name             string  `json:"name"`
	Status           string  `json:"status" enum:"active,completed,archived"`
	CurrentTaskIndex int     `json:"current_task_index"`
	Progress         int     `json:"progress"`
	StartedAt        string  `json:"started_at" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedBy        string  `json:"created_by"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// TaskInstance is one step's live execution record within an Instance. The
// due date is computed once at creation and never mutated by transitions.
// SubmittedAt marks submission for approval; CompletedAt marks final
// completion. The two coincide for tasks that need no approval.
type TaskInstance struct {
	ID              string           `json:"id"`
	InstanceID      string           `json:"instance_id"`
	TemplateTaskID  string           `json:"template_task_id"`
	AssignedToID    *string          `json:"assigned_to_user_id,omitempty"`
	ApproverID      *string          `json:"approver_id,omitempty"`
	Status          string           `json:"status" enum:"not_started,pending,in_progress,pending_approval,completed,rejected"`
	DueDate         string           `json:"due_date" format:"date-time"`
	EstimatedHours  float64          `json:"estimated_hours"`
	StartedAt       *string          `json:"started_at,omitempty" format:"date-time"`
	SubmittedAt     *string          `json:"submitted_at,omitempty" format:"date-time"`
	CompletedAt     *string          `json:"completed_at,omitempty" format:"date-time"`
	ChecklistValues []ChecklistValue `json:"checklist_values"`
	Comments        []Comment        `json:"comments"`
	DeliverableLink *string          `json:"deliverable_link,omitempty"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
	UpdatedAt       string           `json:"updated_at" format:"date-time"`
}

// ChecklistValue records one checklist answer. The list on a TaskInstance is
// sparse; items never answered simply have no entry.
type ChecklistValue struct {
	ChecklistItemID string `json:"checklistItemId"`
	Checked         bool   `json:"checked"`
	InputValue      string `json:"inputValue,omitempty"`
}

// Comment is an append-only note on a TaskInstance.
type Comment struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

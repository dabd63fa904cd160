// Package engine implements instance orchestration and the task lifecycle
// state machine over the SQLite store. Every mutating operation runs in one
// transaction: the task instance write, the instance aggregate recompute and
// the audit event either all land or none do.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowdesk/internal/config"
	"flowdesk/internal/domain"
	"flowdesk/internal/events"
	"flowdesk/internal/rbac"
	"flowdesk/internal/repo"
	"flowdesk/internal/schedule"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// actor resolves the acting user. Unknown actors are a caller input problem;
// deactivated ones are denied outright.
func (e Engine) actor(ctx context.Context, actorID string) (domain.User, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.User{}, ValidationError{Field: "actor_id", Message: "actor is required"}
	}
	u, err := e.Repo.GetUser(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, ValidationError{Field: "actor_id", Message: fmt.Sprintf("unknown user %s", actorID)}
	}
	if err != nil {
		return domain.User{}, err
	}
	if !u.IsActive {
		return domain.User{}, rbac.ForbiddenError{Role: u.Role, Resource: "workspace", Action: "access"}
	}
	return u, nil
}

// --- users and clients ---

func (e Engine) CreateUser(ctx context.Context, email, name, role, actorID string) (domain.User, error) {
	if actorID != "" {
		actor, err := e.actor(ctx, actorID)
		if err != nil {
			return domain.User{}, err
		}
		if err := rbac.Require(actor.Role, "users", "create"); err != nil {
			return domain.User{}, err
		}
	}
	if strings.TrimSpace(email) == "" {
		return domain.User{}, ValidationError{Field: "email", Message: "email is required"}
	}
	if !rbac.HasRole(role, rbac.RoleMember) {
		return domain.User{}, ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %s", role)}
	}
	now := e.timestamp()
	u := domain.User{
		ID:        uuid.New().String(),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Name:      name,
		Role:      role,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO users(id,email,name,role,is_active,created_at,updated_at) VALUES (?,?,?,?,1,?,?)`,
		u.ID, u.Email, u.Name, u.Role, u.CreatedAt, u.UpdatedAt); err != nil {
		return u, fmt.Errorf("insert user: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "user.created", "user", u.ID, actorID, events.EventPayload{"email": u.Email, "role": u.Role}); err != nil {
		return u, err
	}
	if err := tx.Commit(); err != nil {
		return u, err
	}
	return u, nil
}

func (e Engine) CreateClient(ctx context.Context, c domain.Client, actorID string) (domain.Client, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return c, err
	}
	if err := rbac.Require(actor.Role, "clients", "create"); err != nil {
		return c, err
	}
	if strings.TrimSpace(c.ClientName) == "" {
		return c, ValidationError{Field: "client_name", Message: "client name is required"}
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	c.IsActive = true
	now := e.timestamp()
	c.CreatedAt = now
	c.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO clients(id,client_name,company_name,contact_person,email,phone_number,timezone,website,notes,is_active,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,1,?,?)`,
		c.ID, c.ClientName, nullableStringPtr(c.CompanyName), nullableStringPtr(c.ContactPerson), nullableStringPtr(c.Email),
		nullableStringPtr(c.PhoneNumber), c.Timezone, nullableStringPtr(c.Website), nullableStringPtr(c.Notes), c.CreatedAt, c.UpdatedAt); err != nil {
		return c, fmt.Errorf("insert client: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "client.created", "client", c.ID, actorID, events.EventPayload{"client_name": c.ClientName}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

func (e Engine) UpdateClient(ctx context.Context, id string, upd repo.ClientUpdate, actorID string) (domain.Client, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Client{}, err
	}
	if err := rbac.Require(actor.Role, "clients", "edit"); err != nil {
		return domain.Client{}, err
	}
	if err := e.Repo.UpdateClient(ctx, id, upd, e.timestamp()); err != nil {
		return domain.Client{}, err
	}
	return e.Repo.GetClient(ctx, id)
}

// --- templates ---

// ImportTemplate persists one validated catalog template with its tasks.
func (e Engine) ImportTemplate(ctx context.Context, def config.TemplateDef, actorID string) (domain.Template, []domain.TemplateTask, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Template{}, nil, err
	}
	if err := rbac.Require(actor.Role, "templates", "create"); err != nil {
		return domain.Template{}, nil, err
	}
	now := e.timestamp()
	t := domain.Template{
		ID:        uuid.New().String(),
		Name:      def.Name,
		IsActive:  true,
		OwnerID:   &actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if def.Category != "" {
		t.Category = &def.Category
	}
	if def.Description != "" {
		t.Description = &def.Description
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplateTx(ctx, tx, t); err != nil {
		return t, nil, fmt.Errorf("insert template: %w", err)
	}
	tasks := make([]domain.TemplateTask, 0, len(def.Tasks))
	for _, td := range def.Tasks {
		tt := domain.TemplateTask{
			ID:               uuid.New().String(),
			TemplateID:       t.ID,
			Name:             td.Name,
			Order:            td.Order,
			DurationMinutes:  td.DurationMinutes,
			SLAHours:         td.SLAHours,
			RequiresApproval: td.RequiresApproval,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if td.Description != "" {
			tt.Description = &td.Description
		}
		if td.DefaultRole != "" {
			tt.DefaultRole = &td.DefaultRole
		}
		for _, item := range td.Checklist {
			tt.Checklist = append(tt.Checklist, domain.ChecklistItem{
				ID:         item.ID,
				Text:       item.Text,
				Required:   item.Required,
				HasInput:   item.HasInput,
				InputLabel: item.InputLabel,
			})
		}
		if err := e.Repo.InsertTemplateTaskTx(ctx, tx, tt); err != nil {
			return t, nil, fmt.Errorf("insert template task %q: %w", tt.Name, err)
		}
		tasks = append(tasks, tt)
	}
	if err := e.Events.Append(ctx, tx, "template.imported", "template", t.ID, actorID, events.EventPayload{"name": t.Name, "tasks": len(tasks)}); err != nil {
		return t, nil, err
	}
	if err := tx.Commit(); err != nil {
		return t, nil, err
	}
	return t, tasks, nil
}

func (e Engine) SetTemplateActive(ctx context.Context, id string, active bool, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	if err := rbac.Require(actor.Role, "templates", "edit"); err != nil {
		return err
	}
	return e.Repo.SetTemplateActive(ctx, id, active, e.timestamp())
}

// --- instance orchestration ---

// Assignment names who executes a task instance and, when the template task
// requires approval, who signs it off.
type Assignment struct {
	AssigneeID string
	ApproverID string
}

type InstanceCreateOptions struct {
	TemplateID string
	ClientID   string
	Name       string
	// Assignments is keyed by template task ID.
	Assignments map[string]Assignment
	// AllowPartial skips template tasks with no assignee instead of failing.
	AllowPartial bool
	ActorID      string
}

// CreateInstance expands a template into scheduled task instances. The
// schedule is front-loaded: each task's clock starts at the previous task's
// due date, not at its actual completion.
func (e Engine) CreateInstance(ctx context.Context, opts InstanceCreateOptions) (domain.Instance, []domain.TaskInstance, error) {
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.Instance{}, nil, err
	}
	if err := rbac.Require(actor.Role, "instances", "create"); err != nil {
		return domain.Instance{}, nil, err
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Instance{}, nil, ValidationError{Field: "name", Message: "instance name is required"}
	}
	t, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Instance{}, nil, ValidationError{Field: "template_id", Message: fmt.Sprintf("unknown template %s", opts.TemplateID)}
	}
	if err != nil {
		return domain.Instance{}, nil, err
	}
	if !t.IsActive {
		return domain.Instance{}, nil, ValidationError{Field: "template_id", Message: fmt.Sprintf("template %s is archived", t.ID)}
	}
	if _, err := e.Repo.GetClient(ctx, opts.ClientID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Instance{}, nil, ValidationError{Field: "client_id", Message: fmt.Sprintf("unknown client %s", opts.ClientID)}
		}
		return domain.Instance{}, nil, err
	}
	templateTasks, err := e.Repo.ListTemplateTasks(ctx, t.ID)
	if err != nil {
		return domain.Instance{}, nil, err
	}
	if len(templateTasks) == 0 {
		return domain.Instance{}, nil, ValidationError{Field: "template_id", Message: fmt.Sprintf("template %s has no tasks", t.ID)}
	}

	type planned struct {
		task       domain.TemplateTask
		assignment Assignment
	}
	var plan []planned
	for _, tt := range templateTasks {
		a := opts.Assignments[tt.ID]
		if a.AssigneeID == "" {
			if !opts.AllowPartial {
				return domain.Instance{}, nil, ValidationError{Field: "assignments", Message: fmt.Sprintf("task %q has no assignee", tt.Name)}
			}
			continue
		}
		assignee, err := e.Repo.GetUser(ctx, a.AssigneeID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Instance{}, nil, ValidationError{Field: "assignments", Message: fmt.Sprintf("task %q: unknown assignee %s", tt.Name, a.AssigneeID)}
		}
		if err != nil {
			return domain.Instance{}, nil, err
		}
		if !assignee.IsActive {
			return domain.Instance{}, nil, ValidationError{Field: "assignments", Message: fmt.Sprintf("task %q: assignee %s is deactivated", tt.Name, assignee.Email)}
		}
		if tt.RequiresApproval {
			if a.ApproverID == "" {
				return domain.Instance{}, nil, ValidationError{Field: "assignments", Message: fmt.Sprintf("task %q requires an approver", tt.Name)}
			}
			approver, err := e.Repo.GetUser(ctx, a.ApproverID)
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Instance{}, nil, ValidationError{Field: "assignments", Message: fmt.Sprintf("task %q: unknown approver %s", tt.Name, a.ApproverID)}
			}
			if err != nil {
				return domain.Instance{}, nil, err
			}
			if !rbac.HasRole(approver.Role, rbac.RoleController) {
				return domain.Instance{}, nil, ValidationError{Field: "assignments", Message: fmt.Sprintf("task %q: approver %s lacks approval rights", tt.Name, approver.Email)}
			}
		}
		plan = append(plan, planned{task: tt, assignment: a})
	}
	if len(plan) == 0 {
		return domain.Instance{}, nil, ValidationError{Field: "assignments", Message: "no task has an assignee"}
	}

	start := e.now()
	now := start.UTC().Format(time.RFC3339)
	in := domain.Instance{
		ID:               uuid.New().String(),
		TemplateID:       t.ID,
		ClientID:         opts.ClientID,
		Name:             opts.Name,
		Status:           domain.InstanceActive,
		CurrentTaskIndex: 0,
		Progress:         0,
		StartedAt:        now,
		CreatedBy:        actor.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	cursor := start
	taskInstances := make([]domain.TaskInstance, 0, len(plan))
	for i, p := range plan {
		due := schedule.ComputeDueDate(cursor, p.task.DurationMinutes, p.task.SLAHours)
		cursor = due
		status := domain.StatusNotStarted
		if i == 0 {
			status = domain.StatusPending
		}
		ti := domain.TaskInstance{
			ID:             uuid.New().String(),
			InstanceID:     in.ID,
			TemplateTaskID: p.task.ID,
			Status:         status,
			DueDate:        due.UTC().Format(time.RFC3339),
			EstimatedHours: float64(p.task.DurationMinutes) / 60,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		assigneeID := p.assignment.AssigneeID
		ti.AssignedToID = &assigneeID
		if p.task.RequiresApproval {
			approverID := p.assignment.ApproverID
			ti.ApproverID = &approverID
		}
		taskInstances = append(taskInstances, ti)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return in, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInstanceTx(ctx, tx, in); err != nil {
		return in, nil, fmt.Errorf("insert instance: %w", err)
	}
	for _, ti := range taskInstances {
		if err := e.Repo.InsertTaskInstanceTx(ctx, tx, ti); err != nil {
			return in, nil, fmt.Errorf("insert task instance: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "instance.created", "instance", in.ID, actor.ID, events.EventPayload{
		"template_id": t.ID,
		"client_id":   opts.ClientID,
		"name":        in.Name,
		"tasks":       len(taskInstances),
	}); err != nil {
		return in, nil, err
	}
	if err := tx.Commit(); err != nil {
		return in, nil, err
	}
	return in, taskInstances, nil
}

// Aggregate is the derived instance view: status, whole-percent progress and
// the order index of the earliest task still open.
type Aggregate struct {
	Status           string `json:"status"`
	Progress         int    `json:"progress"`
	CurrentTaskIndex int    `json:"current_task_index"`
}

// RecomputeAggregate derives the instance aggregate from its task instances
// in template order. It is a pure function; deriving twice from the same set
// yields the same result.
func RecomputeAggregate(tasks []domain.TaskInstance) Aggregate {
	if len(tasks) == 0 {
		return Aggregate{Status: domain.InstanceActive}
	}
	done := 0
	current := -1
	for i, ti := range tasks {
		if ti.Status == domain.StatusCompleted {
			done++
			continue
		}
		if current == -1 {
			current = i
		}
	}
	agg := Aggregate{
		Status:           domain.InstanceActive,
		Progress:         int(math.Round(float64(done) / float64(len(tasks)) * 100)),
		CurrentTaskIndex: current,
	}
	if done == len(tasks) {
		agg.Status = domain.InstanceCompleted
		agg.CurrentTaskIndex = len(tasks) - 1
	}
	return agg
}

// GetInstanceProgress re-derives the aggregate without persisting it.
func (e Engine) GetInstanceProgress(ctx context.Context, instanceID string) (Aggregate, error) {
	if _, err := e.Repo.GetInstance(ctx, instanceID); err != nil {
		return Aggregate{}, err
	}
	tasks, err := e.Repo.ListTaskInstances(ctx, instanceID)
	if err != nil {
		return Aggregate{}, err
	}
	return RecomputeAggregate(tasks), nil
}

// recomputeAggregateTx persists the derived aggregate inside the caller's
// transaction and promotes the now-current task from not_started to pending.
func (e Engine) recomputeAggregateTx(ctx context.Context, tx *sql.Tx, instanceID, actorID string) error {
	in, err := e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return err
	}
	if in.Status == domain.InstanceArchived {
		return nil
	}
	tasks, err := e.Repo.ListTaskInstancesTx(ctx, tx, instanceID)
	if err != nil {
		return err
	}
	agg := RecomputeAggregate(tasks)
	now := e.timestamp()
	if agg.Status == domain.InstanceActive && tasks[agg.CurrentTaskIndex].Status == domain.StatusNotStarted {
		if _, err := tx.ExecContext(ctx, `UPDATE task_instances SET status=?, updated_at=? WHERE id=? AND status=?`,
			domain.StatusPending, now, tasks[agg.CurrentTaskIndex].ID, domain.StatusNotStarted); err != nil {
			return err
		}
	}
	completedAt := in.CompletedAt
	if agg.Status == domain.InstanceCompleted && in.Status != domain.InstanceCompleted {
		completedAt = &now
		if err := e.Events.Append(ctx, tx, "instance.completed", "instance", in.ID, actorID, events.EventPayload{"progress": agg.Progress}); err != nil {
			return err
		}
	}
	return e.Repo.UpdateInstanceAggregateTx(ctx, tx, in.ID, agg.Status, agg.Progress, agg.CurrentTaskIndex, completedAt, now)
}

func (e Engine) ArchiveInstance(ctx context.Context, id, actorID string) (domain.Instance, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.Instance{}, err
	}
	if err := rbac.Require(actor.Role, "instances", "edit"); err != nil {
		return domain.Instance{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()
	in, err := e.Repo.GetInstanceTx(ctx, tx, id)
	if err != nil {
		return domain.Instance{}, err
	}
	now := e.timestamp()
	if _, err := tx.ExecContext(ctx, `UPDATE instances SET status=?, updated_at=? WHERE id=?`, domain.InstanceArchived, now, id); err != nil {
		return domain.Instance{}, err
	}
	if err := e.Events.Append(ctx, tx, "instance.archived", "instance", id, actorID, events.EventPayload{"previous_status": in.Status}); err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	in.Status = domain.InstanceArchived
	in.UpdatedAt = now
	return in, nil
}

// --- task lifecycle ---

// StartTask moves a pending or not_started task to in_progress. Only the
// assigned user may start a task.
func (e Engine) StartTask(ctx context.Context, taskID, actorID string) (domain.TaskInstance, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if err := rbac.Require(actor.Role, "tasks", "execute"); err != nil {
		return domain.TaskInstance{}, err
	}
	ti, err := e.Repo.GetTaskInstance(ctx, taskID)
	if err != nil {
		return ti, err
	}
	if ti.AssignedToID == nil || *ti.AssignedToID != actor.ID {
		return ti, rbac.ForbiddenError{Role: actor.Role, Resource: "tasks", Action: "execute"}
	}
	if ti.Status != domain.StatusPending && ti.Status != domain.StatusNotStarted {
		return ti, InvalidTransitionError{TaskID: ti.ID, From: ti.Status, Action: "start", ActorID: actor.ID}
	}
	expect := ti.Status
	now := e.timestamp()
	ti.Status = domain.StatusInProgress
	ti.StartedAt = &now
	ti.UpdatedAt = now
	return e.applyTransition(ctx, ti, expect, actor.ID, "task.started", events.EventPayload{"from": expect})
}

// SubmitTaskOptions carries the assignee's submission payload.
type SubmitTaskOptions struct {
	ChecklistValues []domain.ChecklistValue
	Comment         string
	DeliverableLink string
	// ApproverID may override or supply the approver when the template task
	// requires approval.
	ApproverID string
}

// SubmitTask completes an in_progress task, or routes it to pending_approval
// when the template task requires sign-off. A rejected task resubmits through
// the same path.
func (e Engine) SubmitTask(ctx context.Context, taskID, actorID string, opts SubmitTaskOptions) (domain.TaskInstance, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if err := rbac.Require(actor.Role, "tasks", "complete"); err != nil {
		return domain.TaskInstance{}, err
	}
	ti, err := e.Repo.GetTaskInstance(ctx, taskID)
	if err != nil {
		return ti, err
	}
	if ti.AssignedToID == nil || *ti.AssignedToID != actor.ID {
		return ti, rbac.ForbiddenError{Role: actor.Role, Resource: "tasks", Action: "complete"}
	}
	if ti.Status != domain.StatusInProgress && ti.Status != domain.StatusRejected {
		return ti, InvalidTransitionError{TaskID: ti.ID, From: ti.Status, Action: "submit", ActorID: actor.ID}
	}
	tt, err := e.Repo.GetTemplateTask(ctx, ti.TemplateTaskID)
	if err != nil {
		return ti, err
	}

	merged := domain.MergeChecklistValues(ti.ChecklistValues, opts.ChecklistValues)
	if missing := domain.MissingRequiredChecklist(tt.Checklist, merged); len(missing) > 0 {
		return ti, ValidationError{Field: "checklist_values", Message: fmt.Sprintf("required checklist items not checked: %s", strings.Join(missing, ", "))}
	}

	expect := ti.Status
	now := e.timestamp()
	evtType := "task.completed"
	payload := events.EventPayload{"from": expect}
	if tt.RequiresApproval {
		approverID := opts.ApproverID
		if approverID == "" && ti.ApproverID != nil {
			approverID = *ti.ApproverID
		}
		if approverID == "" {
			return ti, ValidationError{Field: "approver_id", Message: fmt.Sprintf("task %q requires an approver", tt.Name)}
		}
		approver, err := e.Repo.GetUser(ctx, approverID)
		if errors.Is(err, repo.ErrNotFound) {
			return ti, ValidationError{Field: "approver_id", Message: fmt.Sprintf("unknown approver %s", approverID)}
		}
		if err != nil {
			return ti, err
		}
		if !rbac.HasRole(approver.Role, rbac.RoleController) {
			return ti, ValidationError{Field: "approver_id", Message: fmt.Sprintf("approver %s lacks approval rights", approver.Email)}
		}
		ti.ApproverID = &approverID
		ti.Status = domain.StatusPendingApproval
		ti.SubmittedAt = &now
		evtType = "task.submitted"
		payload["approver_id"] = approverID
	} else {
		ti.Status = domain.StatusCompleted
		ti.SubmittedAt = &now
		ti.CompletedAt = &now
	}
	ti.ChecklistValues = merged
	if strings.TrimSpace(opts.Comment) != "" {
		ti.Comments = append(ti.Comments, domain.Comment{
			ID:        uuid.New().String(),
			UserID:    actor.ID,
			UserName:  actor.Name,
			Text:      opts.Comment,
			CreatedAt: now,
		})
	}
	if opts.DeliverableLink != "" {
		link := opts.DeliverableLink
		ti.DeliverableLink = &link
	}
	ti.UpdatedAt = now
	return e.applyTransition(ctx, ti, expect, actor.ID, evtType, payload)
}

// ApproveTask completes a pending_approval task. Only the recorded approver
// may approve, whatever their role grants otherwise.
func (e Engine) ApproveTask(ctx context.Context, taskID, actorID string) (domain.TaskInstance, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if err := rbac.Require(actor.Role, "approvals", "approve"); err != nil {
		return domain.TaskInstance{}, err
	}
	ti, err := e.Repo.GetTaskInstance(ctx, taskID)
	if err != nil {
		return ti, err
	}
	if ti.ApproverID == nil || *ti.ApproverID != actor.ID {
		return ti, rbac.ForbiddenError{Role: actor.Role, Resource: "approvals", Action: "approve"}
	}
	if ti.Status != domain.StatusPendingApproval {
		return ti, InvalidTransitionError{TaskID: ti.ID, From: ti.Status, Action: "approve", ActorID: actor.ID}
	}
	expect := ti.Status
	now := e.timestamp()
	ti.Status = domain.StatusCompleted
	ti.CompletedAt = &now
	ti.UpdatedAt = now
	return e.applyTransition(ctx, ti, expect, actor.ID, "task.approved", events.EventPayload{})
}

// RejectTask returns a pending_approval task to its assignee with mandatory
// feedback.
func (e Engine) RejectTask(ctx context.Context, taskID, actorID, feedback string) (domain.TaskInstance, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if err := rbac.Require(actor.Role, "approvals", "reject"); err != nil {
		return domain.TaskInstance{}, err
	}
	ti, err := e.Repo.GetTaskInstance(ctx, taskID)
	if err != nil {
		return ti, err
	}
	if ti.ApproverID == nil || *ti.ApproverID != actor.ID {
		return ti, rbac.ForbiddenError{Role: actor.Role, Resource: "approvals", Action: "reject"}
	}
	if strings.TrimSpace(feedback) == "" {
		return ti, ValidationError{Field: "feedback", Message: "rejection feedback is required"}
	}
	if ti.Status != domain.StatusPendingApproval {
		return ti, InvalidTransitionError{TaskID: ti.ID, From: ti.Status, Action: "reject", ActorID: actor.ID}
	}
	expect := ti.Status
	now := e.timestamp()
	ti.Status = domain.StatusRejected
	ti.Comments = append(ti.Comments, domain.Comment{
		ID:        uuid.New().String(),
		UserID:    actor.ID,
		UserName:  actor.Name,
		Text:      feedback,
		CreatedAt: now,
	})
	ti.UpdatedAt = now
	return e.applyTransition(ctx, ti, expect, actor.ID, "task.rejected", events.EventPayload{})
}

// AddComment appends a note without changing status. The task's assignee,
// its approver, and anyone who can manage instances may comment.
func (e Engine) AddComment(ctx context.Context, taskID, actorID, text string) (domain.TaskInstance, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if strings.TrimSpace(text) == "" {
		return domain.TaskInstance{}, ValidationError{Field: "text", Message: "comment text is required"}
	}
	ti, err := e.Repo.GetTaskInstance(ctx, taskID)
	if err != nil {
		return ti, err
	}
	participant := (ti.AssignedToID != nil && *ti.AssignedToID == actor.ID) ||
		(ti.ApproverID != nil && *ti.ApproverID == actor.ID)
	if !participant && !rbac.CanAccess(actor.Role, "instances", "edit") {
		return ti, rbac.ForbiddenError{Role: actor.Role, Resource: "tasks", Action: "comment"}
	}
	expect := ti.Status
	now := e.timestamp()
	ti.Comments = append(ti.Comments, domain.Comment{
		ID:        uuid.New().String(),
		UserID:    actor.ID,
		UserName:  actor.Name,
		Text:      text,
		CreatedAt: now,
	})
	ti.UpdatedAt = now
	return e.applyTransition(ctx, ti, expect, actor.ID, "task.commented", events.EventPayload{})
}

// applyTransition writes the mutated task instance with a compare-and-set on
// the status read before validation, recomputes the owning instance's
// aggregate and appends the audit event, all in one transaction.
func (e Engine) applyTransition(ctx context.Context, ti domain.TaskInstance, expectStatus, actorID, evtType string, payload events.EventPayload) (domain.TaskInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ti, err
	}
	defer tx.Rollback()
	applied, err := e.Repo.UpdateTaskInstanceTx(ctx, tx, ti, expectStatus)
	if err != nil {
		return ti, err
	}
	if !applied {
		return ti, StaleStateError{TaskID: ti.ID}
	}
	if err := e.recomputeAggregateTx(ctx, tx, ti.InstanceID, actorID); err != nil {
		return ti, err
	}
	payload["status"] = ti.Status
	if err := e.Events.Append(ctx, tx, evtType, "task", ti.ID, actorID, payload); err != nil {
		return ti, err
	}
	if err := tx.Commit(); err != nil {
		return ti, err
	}
	return ti, nil
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

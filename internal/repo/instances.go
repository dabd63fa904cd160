package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"flowdesk/internal/domain"
)

const instanceColumns = `id,template_id,client_id,name,status,current_task_index,progress,started_at,completed_at,created_by,created_at,updated_at`

func (r Repo) InsertInstanceTx(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.TemplateID, in.ClientID, in.Name, in.Status, in.CurrentTaskIndex, in.Progress,
		in.StartedAt, nullableStringPtr(in.CompletedAt), in.CreatedBy, in.CreatedAt, in.UpdatedAt)
	return err
}

func scanInstanceRow(scan func(dest ...any) error) (domain.Instance, error) {
	var in domain.Instance
	var completed sql.NullString
	err := scan(&in.ID, &in.TemplateID, &in.ClientID, &in.Name, &in.Status, &in.CurrentTaskIndex, &in.Progress,
		&in.StartedAt, &completed, &in.CreatedBy, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return in, err
	}
	if completed.Valid {
		in.CompletedAt = &completed.String
	}
	return in, nil
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id=? AND is_deleted=0`, id)
	in, err := scanInstanceRow(row.Scan)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Instance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id=? AND is_deleted=0`, id)
	in, err := scanInstanceRow(row.Scan)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) ListInstances(ctx context.Context, status string) ([]domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE is_deleted=0`
	var args []any
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		in, err := scanInstanceRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// UpdateInstanceAggregateTx writes the derived status/progress/current index.
func (r Repo) UpdateInstanceAggregateTx(ctx context.Context, tx *sql.Tx, id, status string, progress, currentTaskIndex int, completedAt *string, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE instances SET status=?, progress=?, current_task_index=?, completed_at=?, updated_at=? WHERE id=?`,
		status, progress, currentTaskIndex, nullableStringPtr(completedAt), updatedAt, id)
	return err
}

// ArchiveInstance sets the archived status. Instances are never deleted.
func (r Repo) ArchiveInstance(ctx context.Context, id, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE instances SET status=?, updated_at=? WHERE id=? AND is_deleted=0`,
		domain.InstanceArchived, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInstanceDeleted soft-deletes an instance.
func (r Repo) MarkInstanceDeleted(ctx context.Context, id, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE instances SET is_deleted=1, updated_at=? WHERE id=? AND is_deleted=0`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountInstancesByStatus aggregates live instance counts.
func (r Repo) CountInstancesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM instances WHERE is_deleted=0 GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- task instances ---

const taskInstanceColumns = `t.id,t.instance_id,t.template_task_id,t.assigned_to_user_id,t.approver_id,t.status,t.due_date,t.estimated_hours,t.started_at,t.submitted_at,t.completed_at,t.checklist_values_json,t.comments_json,t.deliverable_link,t.created_at,t.updated_at`

func (r Repo) InsertTaskInstanceTx(ctx context.Context, tx *sql.Tx, ti domain.TaskInstance) error {
	checklist, err := json.Marshal(ti.ChecklistValues)
	if err != nil {
		return err
	}
	comments, err := json.Marshal(ti.Comments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_instances(id,instance_id,template_task_id,assigned_to_user_id,approver_id,status,due_date,estimated_hours,started_at,submitted_at,completed_at,checklist_values_json,comments_json,deliverable_link,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ti.ID, ti.InstanceID, ti.TemplateTaskID, nullableStringPtr(ti.AssignedToID), nullableStringPtr(ti.ApproverID),
		ti.Status, ti.DueDate, ti.EstimatedHours, nullableStringPtr(ti.StartedAt), nullableStringPtr(ti.SubmittedAt),
		nullableStringPtr(ti.CompletedAt), string(checklist), string(comments), nullableStringPtr(ti.DeliverableLink),
		ti.CreatedAt, ti.UpdatedAt)
	return err
}

func scanTaskInstanceRow(scan func(dest ...any) error) (domain.TaskInstance, error) {
	var ti domain.TaskInstance
	var assignee, approver, started, submitted, completed, deliverable sql.NullString
	var checklist, comments string
	err := scan(&ti.ID, &ti.InstanceID, &ti.TemplateTaskID, &assignee, &approver, &ti.Status, &ti.DueDate, &ti.EstimatedHours,
		&started, &submitted, &completed, &checklist, &comments, &deliverable, &ti.CreatedAt, &ti.UpdatedAt)
	if err != nil {
		return ti, err
	}
	if assignee.Valid {
		ti.AssignedToID = &assignee.String
	}
	if approver.Valid {
		ti.ApproverID = &approver.String
	}
	if started.Valid {
		ti.StartedAt = &started.String
	}
	if submitted.Valid {
		ti.SubmittedAt = &submitted.String
	}
	if completed.Valid {
		ti.CompletedAt = &completed.String
	}
	if deliverable.Valid {
		ti.DeliverableLink = &deliverable.String
	}
	if checklist != "" {
		if err := json.Unmarshal([]byte(checklist), &ti.ChecklistValues); err != nil {
			return ti, err
		}
	}
	if comments != "" {
		if err := json.Unmarshal([]byte(comments), &ti.Comments); err != nil {
			return ti, err
		}
	}
	return ti, nil
}

func (r Repo) GetTaskInstance(ctx context.Context, id string) (domain.TaskInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskInstanceColumns+` FROM task_instances t WHERE t.id=?`, id)
	ti, err := scanTaskInstanceRow(row.Scan)
	if err == sql.ErrNoRows {
		return ti, ErrNotFound
	}
	return ti, err
}

func (r Repo) GetTaskInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskInstanceColumns+` FROM task_instances t WHERE t.id=?`, id)
	ti, err := scanTaskInstanceRow(row.Scan)
	if err == sql.ErrNoRows {
		return ti, ErrNotFound
	}
	return ti, err
}

// ListTaskInstances returns an instance's task instances in template order.
func (r Repo) ListTaskInstances(ctx context.Context, instanceID string) ([]domain.TaskInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskInstanceColumns+` FROM task_instances t
JOIN template_tasks tt ON tt.id=t.template_task_id
WHERE t.instance_id=? ORDER BY tt."order" ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTaskInstances(rows)
}

func (r Repo) ListTaskInstancesTx(ctx context.Context, tx *sql.Tx, instanceID string) ([]domain.TaskInstance, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskInstanceColumns+` FROM task_instances t
JOIN template_tasks tt ON tt.id=t.template_task_id
WHERE t.instance_id=? ORDER BY tt."order" ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTaskInstances(rows)
}

// ListTasksByAssignee returns a user's open task instances ordered by due date.
func (r Repo) ListTasksByAssignee(ctx context.Context, userID string) ([]domain.TaskInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskInstanceColumns+` FROM task_instances t
WHERE t.assigned_to_user_id=? ORDER BY t.due_date ASC, t.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTaskInstances(rows)
}

// ListPendingApprovals returns tasks waiting on the given approver.
func (r Repo) ListPendingApprovals(ctx context.Context, approverID string) ([]domain.TaskInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskInstanceColumns+` FROM task_instances t
WHERE t.approver_id=? AND t.status=? ORDER BY t.created_at DESC`, approverID, domain.StatusPendingApproval)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTaskInstances(rows)
}

func collectTaskInstances(rows *sql.Rows) ([]domain.TaskInstance, error) {
	var res []domain.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstanceRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ti)
	}
	return res, rows.Err()
}

// UpdateTaskInstanceTx writes a transitioned task instance with a
// compare-and-set on the status read before the transition. It reports
// whether the update applied; false means another writer got there first.
// Due date is deliberately absent from the SET list.
func (r Repo) UpdateTaskInstanceTx(ctx context.Context, tx *sql.Tx, ti domain.TaskInstance, expectStatus string) (bool, error) {
	checklist, err := json.Marshal(ti.ChecklistValues)
	if err != nil {
		return false, err
	}
	comments, err := json.Marshal(ti.Comments)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE task_instances SET assigned_to_user_id=?, approver_id=?, status=?, started_at=?, submitted_at=?, completed_at=?, checklist_values_json=?, comments_json=?, deliverable_link=?, updated_at=?
WHERE id=? AND status=?`,
		nullableStringPtr(ti.AssignedToID), nullableStringPtr(ti.ApproverID), ti.Status, nullableStringPtr(ti.StartedAt),
		nullableStringPtr(ti.SubmittedAt), nullableStringPtr(ti.CompletedAt), string(checklist), string(comments),
		nullableStringPtr(ti.DeliverableLink), ti.UpdatedAt, ti.ID, expectStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountTaskInstancesByStatus aggregates task instance counts, optionally
// scoped to one instance.
func (r Repo) CountTaskInstancesByStatus(ctx context.Context, instanceID string) (map[string]int, error) {
	query := `SELECT status, count(*) FROM task_instances`
	var args []any
	if instanceID != "" {
		query += ` WHERE instance_id=?`
		args = append(args, instanceID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

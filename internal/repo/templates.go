package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"flowdesk/internal/domain"
)

func (r Repo) InsertTemplateTx(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO templates(id,name,category,description,is_active,owner_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullableStringPtr(t.Category), nullableStringPtr(t.Description), boolToInt(t.IsActive),
		nullableStringPtr(t.OwnerID), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) InsertTemplateTaskTx(ctx context.Context, tx *sql.Tx, tt domain.TemplateTask) error {
	checklist, err := json.Marshal(tt.Checklist)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO template_tasks(id,template_id,name,description,"order",task_duration_minutes,sla_hours,requires_approval,default_role,checklist_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		tt.ID, tt.TemplateID, tt.Name, nullableStringPtr(tt.Description), tt.Order, tt.DurationMinutes, tt.SLAHours,
		boolToInt(tt.RequiresApproval), nullableStringPtr(tt.DefaultRole), string(checklist), tt.CreatedAt, tt.UpdatedAt)
	return err
}

func scanTemplateRow(scan func(dest ...any) error) (domain.Template, error) {
	var t domain.Template
	var category, description, owner sql.NullString
	var active int
	err := scan(&t.ID, &t.Name, &category, &description, &active, &owner, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if category.Valid {
		t.Category = &category.String
	}
	if description.Valid {
		t.Description = &description.String
	}
	if owner.Valid {
		t.OwnerID = &owner.String
	}
	t.IsActive = active != 0
	return t, nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,category,description,is_active,owner_id,created_at,updated_at FROM templates WHERE id=?`, id)
	t, err := scanTemplateRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.Template, error) {
	query := `SELECT id,name,category,description,is_active,owner_id,created_at,updated_at FROM templates`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplateRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SetTemplateActive archives or reactivates a template.
func (r Repo) SetTemplateActive(ctx context.Context, id string, active bool, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE templates SET is_active=?, updated_at=? WHERE id=?`, boolToInt(active), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const templateTaskColumns = `id,template_id,name,description,"order",task_duration_minutes,sla_hours,requires_approval,default_role,checklist_json,created_at,updated_at`

func scanTemplateTaskRow(scan func(dest ...any) error) (domain.TemplateTask, error) {
	var tt domain.TemplateTask
	var description, defaultRole sql.NullString
	var requiresApproval int
	var checklist string
	err := scan(&tt.ID, &tt.TemplateID, &tt.Name, &description, &tt.Order, &tt.DurationMinutes, &tt.SLAHours,
		&requiresApproval, &defaultRole, &checklist, &tt.CreatedAt, &tt.UpdatedAt)
	if err != nil {
		return tt, err
	}
	if description.Valid {
		tt.Description = &description.String
	}
	if defaultRole.Valid {
		tt.DefaultRole = &defaultRole.String
	}
	tt.RequiresApproval = requiresApproval != 0
	if checklist != "" {
		if err := json.Unmarshal([]byte(checklist), &tt.Checklist); err != nil {
			return tt, err
		}
	}
	return tt, nil
}

func (r Repo) GetTemplateTask(ctx context.Context, id string) (domain.TemplateTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateTaskColumns+` FROM template_tasks WHERE id=?`, id)
	tt, err := scanTemplateTaskRow(row.Scan)
	if err == sql.ErrNoRows {
		return tt, ErrNotFound
	}
	return tt, err
}

// ListTemplateTasks returns a template's tasks strictly in ascending order.
func (r Repo) ListTemplateTasks(ctx context.Context, templateID string) ([]domain.TemplateTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateTaskColumns+` FROM template_tasks WHERE template_id=? ORDER BY "order" ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplateTask
	for rows.Next() {
		tt, err := scanTemplateTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, tt)
	}
	return res, rows.Err()
}

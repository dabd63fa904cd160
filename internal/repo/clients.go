package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"flowdesk/internal/domain"
)

const clientColumns = `id,client_name,company_name,contact_person,email,phone_number,timezone,website,notes,is_active,created_at,updated_at`

func (r Repo) InsertClient(ctx context.Context, c domain.Client) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO clients(`+clientColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ClientName, nullableStringPtr(c.CompanyName), nullableStringPtr(c.ContactPerson), nullableStringPtr(c.Email),
		nullableStringPtr(c.PhoneNumber), c.Timezone, nullableStringPtr(c.Website), nullableStringPtr(c.Notes),
		boolToInt(c.IsActive), c.CreatedAt, c.UpdatedAt)
	return err
}

func scanClientRow(scan func(dest ...any) error) (domain.Client, error) {
	var c domain.Client
	var company, contact, email, phone, website, notes sql.NullString
	var active int
	err := scan(&c.ID, &c.ClientName, &company, &contact, &email, &phone, &c.Timezone, &website, &notes, &active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	if company.Valid {
		c.CompanyName = &company.String
	}
	if contact.Valid {
		c.ContactPerson = &contact.String
	}
	if email.Valid {
		c.Email = &email.String
	}
	if phone.Valid {
		c.PhoneNumber = &phone.String
	}
	if website.Valid {
		c.Website = &website.String
	}
	if notes.Valid {
		c.Notes = &notes.String
	}
	c.IsActive = active != 0
	return c, nil
}

func (r Repo) GetClient(ctx context.Context, id string) (domain.Client, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id=?`, id)
	c, err := scanClientRow(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListClients(ctx context.Context, activeOnly bool) ([]domain.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY client_name ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		c, err := scanClientRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ClientUpdate carries optional field updates; nil means leave unchanged.
type ClientUpdate struct {
	ClientName    *string
	CompanyName   *string
	ContactPerson *string
	Email         *string
	PhoneNumber   *string
	Timezone      *string
	Website       *string
	Notes         *string
	IsActive      *bool
}

func (r Repo) UpdateClient(ctx context.Context, id string, upd ClientUpdate, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v *string) {
		if v != nil {
			fields = append(fields, col+"=?")
			args = append(args, nullable(*v))
		}
	}
	if upd.ClientName != nil {
		fields = append(fields, "client_name=?")
		args = append(args, *upd.ClientName)
	}
	set("company_name", upd.CompanyName)
	set("contact_person", upd.ContactPerson)
	set("email", upd.Email)
	set("phone_number", upd.PhoneNumber)
	if upd.Timezone != nil {
		fields = append(fields, "timezone=?")
		args = append(args, *upd.Timezone)
	}
	set("website", upd.Website)
	set("notes", upd.Notes)
	if upd.IsActive != nil {
		fields = append(fields, "is_active=?")
		args = append(args, boolToInt(*upd.IsActive))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE clients SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

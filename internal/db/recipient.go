package db

import (
	"context"
)

// The recipients table is a read-only mirror of the directory owned by the
// main backend. This service only resolves ids to emails and roles to id
// sets; it never writes the table.

func (store *SQLStore) GetRecipientByID(ctx context.Context, id string) (Recipient, error) {
	row := store.connPool.QueryRow(ctx, `
		SELECT id, email, display_name, role FROM recipients WHERE id = $1`, id)

	var r Recipient
	err := row.Scan(&r.ID, &r.Email, &r.DisplayName, &r.Role)
	return r, err
}

func (store *SQLStore) ListRecipientIDsByRole(ctx context.Context, role string) ([]string, error) {
	rows, err := store.connPool.Query(ctx, `
		SELECT id FROM recipients WHERE role = $1 ORDER BY id`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

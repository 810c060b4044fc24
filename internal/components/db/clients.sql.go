package db

import (
	"context"
)

const createClient = `INSERT INTO clients (
    id, first_name, last_name, date_of_birth, nationality, email, phone,
    address, academics, courses, personal_statement, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

type CreateClientParams = Client

func (q *Queries) CreateClient(ctx context.Context, arg CreateClientParams) error {
	_, err := q.db.ExecContext(ctx, createClient,
		arg.ID,
		arg.FirstName,
		arg.LastName,
		arg.DateOfBirth,
		arg.Nationality,
		arg.Email,
		arg.Phone,
		arg.Address,
		arg.Academics,
		arg.Courses,
		arg.PersonalStatement,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return err
}

const clientColumns = `id, first_name, last_name, date_of_birth, nationality, email, phone,
    address, academics, courses, personal_statement, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (Client, error) {
	var i Client
	err := row.Scan(
		&i.ID,
		&i.FirstName,
		&i.LastName,
		&i.DateOfBirth,
		&i.Nationality,
		&i.Email,
		&i.Phone,
		&i.Address,
		&i.Academics,
		&i.Courses,
		&i.PersonalStatement,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getClient = `SELECT ` + clientColumns + ` FROM clients WHERE id = $1`

func (q *Queries) GetClient(ctx context.Context, id string) (Client, error) {
	row := q.db.QueryRowContext(ctx, getClient, id)
	return scanClient(row)
}

const listClients = `SELECT ` + clientColumns + ` FROM clients ORDER BY created_at, id LIMIT $1 OFFSET $2`

type ListClientsParams struct {
	Limit  int64
	Offset int64
}

func (q *Queries) ListClients(ctx context.Context, arg ListClientsParams) ([]Client, error) {
	rows, err := q.db.QueryContext(ctx, listClients, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Client
	for rows.Next() {
		i, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const updateClient = `UPDATE clients SET
    first_name = $1, last_name = $2, date_of_birth = $3, nationality = $4,
    email = $5, phone = $6, address = $7, academics = $8, courses = $9,
    personal_statement = $10, updated_at = $11
WHERE id = $12`

type UpdateClientParams struct {
	FirstName         string
	LastName          string
	DateOfBirth       string
	Nationality       string
	Email             string
	Phone             string
	Address           string
	Academics         string
	Courses           string
	PersonalStatement string
	UpdatedAt         int64
	ID                string
}

func (q *Queries) UpdateClient(ctx context.Context, arg UpdateClientParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, updateClient,
		arg.FirstName,
		arg.LastName,
		arg.DateOfBirth,
		arg.Nationality,
		arg.Email,
		arg.Phone,
		arg.Address,
		arg.Academics,
		arg.Courses,
		arg.PersonalStatement,
		arg.UpdatedAt,
		arg.ID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const deleteClient = `DELETE FROM clients WHERE id = $1`

func (q *Queries) DeleteClient(ctx context.Context, id string) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteClient, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const createDocument = `INSERT INTO client_documents (client_id, name, content_type, content) VALUES ($1, $2, $3, $4)`

func (q *Queries) CreateDocument(ctx context.Context, arg ClientDocument) error {
	_, err := q.db.ExecContext(ctx, createDocument, arg.ClientID, arg.Name, arg.ContentType, arg.Content)
	return err
}

const deleteDocuments = `DELETE FROM client_documents WHERE client_id = $1`

func (q *Queries) DeleteDocuments(ctx context.Context, clientID string) error {
	_, err := q.db.ExecContext(ctx, deleteDocuments, clientID)
	return err
}

const listDocuments = `SELECT client_id, name, content_type, content FROM client_documents WHERE client_id = $1 ORDER BY name`

func (q *Queries) ListDocuments(ctx context.Context, clientID string) ([]ClientDocument, error) {
	rows, err := q.db.QueryContext(ctx, listDocuments, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ClientDocument
	for rows.Next() {
		var i ClientDocument
		if err := rows.Scan(&i.ClientID, &i.Name, &i.ContentType, &i.Content); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

package db

import (
	"context"
)

const createCredentialIfAbsent = `INSERT INTO portal_credentials (
    client_id, university, username, secret, sealed_with, valid, created_at
) VALUES ($1, $2, $3, $4, $5, 1, $6)
ON CONFLICT (client_id, university) DO NOTHING`

type CreateCredentialIfAbsentParams struct {
	ClientID   string
	University string
	Username   string
	Secret     string
	SealedWith string
	CreatedAt  int64
}

// CreateCredentialIfAbsent returns the number of inserted rows, 0 means a
// credential already existed.
func (q *Queries) CreateCredentialIfAbsent(ctx context.Context, arg CreateCredentialIfAbsentParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, createCredentialIfAbsent,
		arg.ClientID,
		arg.University,
		arg.Username,
		arg.Secret,
		arg.SealedWith,
		arg.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getCredential = `SELECT client_id, university, username, secret, sealed_with, valid, registered, created_at, invalidated_at
FROM portal_credentials WHERE client_id = $1 AND university = $2`

type GetCredentialParams struct {
	ClientID   string
	University string
}

func (q *Queries) GetCredential(ctx context.Context, arg GetCredentialParams) (PortalCredential, error) {
	row := q.db.QueryRowContext(ctx, getCredential, arg.ClientID, arg.University)
	var i PortalCredential
	err := row.Scan(
		&i.ClientID,
		&i.University,
		&i.Username,
		&i.Secret,
		&i.SealedWith,
		&i.Valid,
		&i.Registered,
		&i.CreatedAt,
		&i.InvalidatedAt,
	)
	return i, err
}

const invalidateCredential = `UPDATE portal_credentials SET valid = 0, invalidated_at = $1
WHERE client_id = $2 AND university = $3 AND valid = 1`

type InvalidateCredentialParams struct {
	InvalidatedAt int64
	ClientID      string
	University    string
}

func (q *Queries) InvalidateCredential(ctx context.Context, arg InvalidateCredentialParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, invalidateCredential, arg.InvalidatedAt, arg.ClientID, arg.University)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const markCredentialRegistered = `UPDATE portal_credentials SET registered = 1
WHERE client_id = $1 AND university = $2`

type MarkCredentialRegisteredParams struct {
	ClientID   string
	University string
}

func (q *Queries) MarkCredentialRegistered(ctx context.Context, arg MarkCredentialRegisteredParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, markCredentialRegistered, arg.ClientID, arg.University)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const deleteCredentialsForClient = `DELETE FROM portal_credentials WHERE client_id = $1`

func (q *Queries) DeleteCredentialsForClient(ctx context.Context, clientID string) error {
	_, err := q.db.ExecContext(ctx, deleteCredentialsForClient, clientID)
	return err
}

const setCredential = `INSERT INTO portal_credentials (
    client_id, university, username, secret, sealed_with, valid, registered, created_at
) VALUES ($1, $2, $3, $4, $5, 1, 1, $6)
ON CONFLICT (client_id, university) DO UPDATE SET
    username = EXCLUDED.username,
    secret = EXCLUDED.secret,
    sealed_with = EXCLUDED.sealed_with,
    valid = 1,
    registered = 1,
    created_at = EXCLUDED.created_at,
    invalidated_at = NULL`

type SetCredentialParams = CreateCredentialIfAbsentParams

// SetCredential replaces a credential, operators use it after a portal-side
// password change. The account behind it is taken to exist already.
func (q *Queries) SetCredential(ctx context.Context, arg SetCredentialParams) error {
	_, err := q.db.ExecContext(ctx, setCredential,
		arg.ClientID,
		arg.University,
		arg.Username,
		arg.Secret,
		arg.SealedWith,
		arg.CreatedAt,
	)
	return err
}

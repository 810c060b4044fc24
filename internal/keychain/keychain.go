// Package keychain stores the credentials each client uses on each target portal.
package keychain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"uniapply-backend/internal/components/assert"
	"uniapply-backend/internal/components/chrono"
	"uniapply-backend/internal/components/db"
	"uniapply-backend/internal/components/telemetry"

	"github.com/mazen160/go-random"
)

const (
	report_db_query      = "db.query"
	report_sealer_open   = "sealer.open"
	report_generate_pass = "generate-password"
)

var (
	ErrNotFound = errors.New("credential not found")
	// ErrInvalidated means the portal rejected the credential and an operator
	// has to replace it before another session can log in.
	ErrInvalidated = errors.New("credential was invalidated")
)

// Credential is the username/password pair for one (client, university).
type Credential struct {
	ClientID   string    `json:"client_id"`
	University string    `json:"university"`
	Username   string    `json:"username"`
	Password   string    `json:"-"`
	Valid      bool      `json:"valid"`
	// Registered is false until a session has created the portal account for
	// this credential.
	Registered bool      `json:"registered"`
	CreatedAt  time.Time `json:"created_at"`
}

// Keychain reads and writes portal credentials.
type Keychain struct {
	qry    *db.Queries
	sealer Sealer
	clock  chrono.API
	tel    telemetry.API
}

func NewKeychain(qry *db.Queries, sealer Sealer, clock chrono.API, tel telemetry.API) Keychain {
	assert.NotNil(qry, "queries")
	assert.NotNil(sealer, "sealer")
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "telemetry")

	return Keychain{
		qry:    qry,
		sealer: sealer,
		clock:  clock,
		tel:    telemetry.NewScopedAPI("keychain", tel),
	}
}

func normalizeUniversity(university string) string {
	return strings.ToLower(strings.TrimSpace(university))
}

func (k Keychain) fromRow(row db.PortalCredential) (Credential, error) {
	password, err := k.sealer.Open(row.Secret)
	if err != nil {
		k.tel.ReportBroken(report_sealer_open, err, row.ClientID, row.University, row.SealedWith)
		return Credential{}, err
	}
	return Credential{
		ClientID:   row.ClientID,
		University: row.University,
		Username:   row.Username,
		Password:   password,
		Valid:      row.Valid == 1,
		Registered: row.Registered == 1,
		CreatedAt:  time.Unix(row.CreatedAt, 0).In(chrono.London()),
	}, nil
}

// Get returns the stored credential, invalidated credentials are returned with
// Valid=false rather than as an error so callers can decide what to surface.
func (k Keychain) Get(ctx context.Context, clientID, university string) (Credential, error) {
	row, err := k.qry.GetCredential(ctx, db.GetCredentialParams{
		ClientID:   clientID,
		University: normalizeUniversity(university),
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		k.tel.ReportBroken(report_db_query, err, "GetCredential", clientID, university)
		return Credential{}, err
	}
	return k.fromRow(row)
}

// CreateOnce stores a credential only if none exists yet for (client, university)
// and returns whatever is stored afterwards. created reports whether this call
// was the one that wrote it.
func (k Keychain) CreateOnce(ctx context.Context, clientID, university, username, password string) (cred Credential, created bool, err error) {
	sealed, err := k.sealer.Seal(password)
	if err != nil {
		return Credential{}, false, err
	}
	n, err := k.qry.CreateCredentialIfAbsent(ctx, db.CreateCredentialIfAbsentParams{
		ClientID:   clientID,
		University: normalizeUniversity(university),
		Username:   username,
		Secret:     sealed,
		SealedWith: k.sealer.Name(),
		CreatedAt:  k.clock.Now().Unix(),
	})
	if err != nil {
		k.tel.ReportBroken(report_db_query, err, "CreateCredentialIfAbsent", clientID, university)
		return Credential{}, false, err
	}
	cred, err = k.Get(ctx, clientID, university)
	if err != nil {
		return Credential{}, false, err
	}
	return cred, n == 1, nil
}

// Set replaces the credential, it is how an operator recovers from a
// portal-side password change.
func (k Keychain) Set(ctx context.Context, clientID, university, username, password string) error {
	sealed, err := k.sealer.Seal(password)
	if err != nil {
		return err
	}
	err = k.qry.SetCredential(ctx, db.SetCredentialParams{
		ClientID:   clientID,
		University: normalizeUniversity(university),
		Username:   username,
		Secret:     sealed,
		SealedWith: k.sealer.Name(),
		CreatedAt:  k.clock.Now().Unix(),
	})
	if err != nil {
		k.tel.ReportBroken(report_db_query, err, "SetCredential", clientID, university)
	}
	return err
}

// MarkRegistered records that the portal account for the credential exists.
func (k Keychain) MarkRegistered(ctx context.Context, clientID, university string) error {
	n, err := k.qry.MarkCredentialRegistered(ctx, db.MarkCredentialRegisteredParams{
		ClientID:   clientID,
		University: normalizeUniversity(university),
	})
	if err != nil {
		k.tel.ReportBroken(report_db_query, err, "MarkCredentialRegistered", clientID, university)
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Invalidate marks the credential as rejected by the portal.
func (k Keychain) Invalidate(ctx context.Context, clientID, university string) error {
	_, err := k.qry.InvalidateCredential(ctx, db.InvalidateCredentialParams{
		InvalidatedAt: k.clock.Now().Unix(),
		ClientID:      clientID,
		University:    normalizeUniversity(university),
	})
	if err != nil {
		k.tel.ReportBroken(report_db_query, err, "InvalidateCredential", clientID, university)
	}
	return err
}

func hasClasses(s string) bool {
	var upper, lower, digit bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return upper && lower && digit
}

// GeneratePassword creates a password for a new portal account. Portals commonly
// require upper, lower, digit and a symbol, so the alphanumeric body is
// redrawn until it has all three classes and a symbol is appended.
func GeneratePassword() (string, error) {
	for i := 0; i < 16; i++ {
		body, err := random.String(19)
		if err != nil {
			return "", fmt.Errorf("%s: %w", report_generate_pass, err)
		}
		if hasClasses(body) {
			return body + "!", nil
		}
	}
	return "", fmt.Errorf("%s: could not generate a password with every character class", report_generate_pass)
}

package profile

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"uniapply-backend/internal/components/assert"
	"uniapply-backend/internal/components/chrono"
	"uniapply-backend/internal/components/db"
	"uniapply-backend/internal/components/telemetry"
	"uniapply-backend/internal/tasks"

	"github.com/google/uuid"
)

const (
	report_db_query     = "db.query"
	report_profile_json = "profile.decode"
)

// ErrNotFound is returned when no client exists for an id.
var ErrNotFound = errors.New("client not found")

// Store is the client profile store.
type Store struct {
	qry    *db.Queries
	makeTx db.MakeTx
	clock  chrono.API
	tel    telemetry.API
}

// NewStore creates a Store.
func NewStore(qry *db.Queries, makeTx db.MakeTx, clock chrono.API, tel telemetry.API) Store {
	assert.NotNil(qry, "queries")
	assert.NotNil(makeTx, "makeTx")
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "telemetry")

	return Store{
		qry:    qry,
		makeTx: makeTx,
		clock:  clock,
		tel:    telemetry.NewScopedAPI("profile", tel),
	}
}

type encodedProfile struct {
	address   string
	academics string
	courses   string
}

func encode(p ClientProfile) (encodedProfile, error) {
	address, err := json.Marshal(p.Personal.Address)
	if err != nil {
		return encodedProfile{}, err
	}
	academics := p.Academics
	if academics == nil {
		academics = []AcademicRecord{}
	}
	academicsJson, err := json.Marshal(academics)
	if err != nil {
		return encodedProfile{}, err
	}
	courses := p.Courses
	if courses == nil {
		courses = []CourseChoice{}
	}
	coursesJson, err := json.Marshal(courses)
	if err != nil {
		return encodedProfile{}, err
	}
	return encodedProfile{
		address:   string(address),
		academics: string(academicsJson),
		courses:   string(coursesJson),
	}, nil
}

func decode(row db.Client, docs []db.ClientDocument) (ClientProfile, error) {
	p := ClientProfile{
		ID: row.ID,
		Personal: Personal{
			FirstName:   row.FirstName,
			LastName:    row.LastName,
			DateOfBirth: row.DateOfBirth,
			Nationality: row.Nationality,
			Email:       row.Email,
			Phone:       row.Phone,
		},
		PersonalStatement: row.PersonalStatement,
		CreatedAt:         time.Unix(row.CreatedAt, 0).In(chrono.London()),
		UpdatedAt:         time.Unix(row.UpdatedAt, 0).In(chrono.London()),
	}
	err := json.Unmarshal([]byte(row.Address), &p.Personal.Address)
	if err != nil {
		return ClientProfile{}, fmt.Errorf("decode address: %w", err)
	}
	err = json.Unmarshal([]byte(row.Academics), &p.Academics)
	if err != nil {
		return ClientProfile{}, fmt.Errorf("decode academics: %w", err)
	}
	err = json.Unmarshal([]byte(row.Courses), &p.Courses)
	if err != nil {
		return ClientProfile{}, fmt.Errorf("decode courses: %w", err)
	}
	for _, d := range docs {
		content, err := base64.StdEncoding.DecodeString(d.Content)
		if err != nil {
			return ClientProfile{}, fmt.Errorf("decode document %s: %w", d.Name, err)
		}
		p.Documents = append(p.Documents, Document{
			Name:        d.Name,
			ContentType: d.ContentType,
			Content:     content,
		})
	}
	return p, nil
}

func writeDocuments(ctx context.Context, tx *db.Queries, clientID string, docs []Document) error {
	err := tx.DeleteDocuments(ctx, clientID)
	if err != nil {
		return err
	}
	for _, d := range docs {
		err := tx.CreateDocument(ctx, db.ClientDocument{
			ClientID:    clientID,
			Name:        d.Name,
			ContentType: d.ContentType,
			Content:     base64.StdEncoding.EncodeToString(d.Content),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Create validates and stores a new profile, the id and timestamps are assigned here.
func (s Store) Create(ctx context.Context, p ClientProfile) (ClientProfile, error) {
	err := p.Validate()
	if err != nil {
		return ClientProfile{}, err
	}
	enc, err := encode(p)
	if err != nil {
		return ClientProfile{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return ClientProfile{}, err
	}
	now := s.clock.Now()
	p.ID = id.String()
	p.CreatedAt = now.Truncate(time.Second)
	p.UpdatedAt = p.CreatedAt

	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "BeginTx")
		return ClientProfile{}, err
	}
	defer discard()

	err = tx.CreateClient(ctx, db.CreateClientParams{
		ID:                p.ID,
		FirstName:         p.Personal.FirstName,
		LastName:          p.Personal.LastName,
		DateOfBirth:       p.Personal.DateOfBirth,
		Nationality:       p.Personal.Nationality,
		Email:             p.Personal.Email,
		Phone:             p.Personal.Phone,
		Address:           enc.address,
		Academics:         enc.academics,
		Courses:           enc.courses,
		PersonalStatement: p.PersonalStatement,
		CreatedAt:         now.Unix(),
		UpdatedAt:         now.Unix(),
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "CreateClient", p.ID)
		return ClientProfile{}, err
	}
	err = writeDocuments(ctx, tx, p.ID, p.Documents)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "CreateDocument", p.ID)
		return ClientProfile{}, err
	}

	err = commit()
	if err != nil {
		return ClientProfile{}, err
	}
	return p, nil
}

// Get returns the profile with its documents.
func (s Store) Get(ctx context.Context, id string) (ClientProfile, error) {
	row, err := s.qry.GetClient(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ClientProfile{}, ErrNotFound
	}
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "GetClient", id)
		return ClientProfile{}, err
	}
	docs, err := s.qry.ListDocuments(ctx, id)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "ListDocuments", id)
		return ClientProfile{}, err
	}
	p, err := decode(row, docs)
	if err != nil {
		s.tel.ReportBroken(report_profile_json, err, id)
		return ClientProfile{}, err
	}
	return p, nil
}

// List returns profiles without their documents, oldest first.
func (s Store) List(ctx context.Context, limit, offset int) ([]ClientProfile, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.qry.ListClients(ctx, db.ListClientsParams{
		Limit:  int64(limit),
		Offset: int64(offset),
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "ListClients")
		return nil, err
	}
	out := make([]ClientProfile, 0, len(rows))
	for _, row := range rows {
		p, err := decode(row, nil)
		if err != nil {
			s.tel.ReportBroken(report_profile_json, err, row.ID)
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Update replaces the whole profile (documents included) for p.ID.
func (s Store) Update(ctx context.Context, p ClientProfile) (ClientProfile, error) {
	err := p.Validate()
	if err != nil {
		return ClientProfile{}, err
	}
	enc, err := encode(p)
	if err != nil {
		return ClientProfile{}, err
	}
	now := s.clock.Now()

	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "BeginTx")
		return ClientProfile{}, err
	}
	defer discard()

	existing, err := tx.GetClient(ctx, p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return ClientProfile{}, ErrNotFound
	}
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "GetClient", p.ID)
		return ClientProfile{}, err
	}

	_, err = tx.UpdateClient(ctx, db.UpdateClientParams{
		FirstName:         p.Personal.FirstName,
		LastName:          p.Personal.LastName,
		DateOfBirth:       p.Personal.DateOfBirth,
		Nationality:       p.Personal.Nationality,
		Email:             p.Personal.Email,
		Phone:             p.Personal.Phone,
		Address:           enc.address,
		Academics:         enc.academics,
		Courses:           enc.courses,
		PersonalStatement: p.PersonalStatement,
		UpdatedAt:         now.Unix(),
		ID:                p.ID,
	})
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "UpdateClient", p.ID)
		return ClientProfile{}, err
	}
	err = writeDocuments(ctx, tx, p.ID, p.Documents)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "CreateDocument", p.ID)
		return ClientProfile{}, err
	}

	err = commit()
	if err != nil {
		return ClientProfile{}, err
	}
	p.CreatedAt = time.Unix(existing.CreatedAt, 0).In(chrono.London())
	p.UpdatedAt = time.Unix(now.Unix(), 0).In(chrono.London())
	return p, nil
}

// Delete erases the profile, its documents and its portal credentials.
// Application tasks and audit rows are kept and an erasure entry is written
// against the client.
func (s Store) Delete(ctx context.Context, id, actor string) error {
	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "BeginTx")
		return err
	}
	defer discard()

	n, err := tx.DeleteClient(ctx, id)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "DeleteClient", id)
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	err = tx.DeleteDocuments(ctx, id)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "DeleteDocuments", id)
		return err
	}
	err = tx.DeleteCredentialsForClient(ctx, id)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "DeleteCredentialsForClient", id)
		return err
	}
	err = tasks.WriteAudit(ctx, tx, s.clock.Now(), actor, "client.erased", tasks.ClientResource(id), nil)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "CreateAuditLog", id)
		return err
	}
	return commit()
}

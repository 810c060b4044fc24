package db

import (
	"database/sql"
)

type Client struct {
	ID                string
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
	CreatedAt         int64
	UpdatedAt         int64
}

type ClientDocument struct {
	ClientID    string
	Name        string
	ContentType string
	Content     string
}

type PortalCredential struct {
	ClientID      string
	University    string
	Username      string
	Secret        string
	SealedWith    string
	Valid         int64
	Registered    int64
	CreatedAt     int64
	InvalidatedAt sql.NullInt64
}

type ApplicationTask struct {
	ID           string
	ClientID     string
	University   string
	CourseCode   string
	CourseName   string
	Status       string
	CurrentStep  int64
	LastError    string
	Confirmation string
	Screenshot   string
	Supersedes   string
	CreatedAt    int64
	UpdatedAt    int64
	StartedAt    sql.NullInt64
	FinishedAt   sql.NullInt64
}

type AuditLog struct {
	ID        string
	Actor     string
	Action    string
	Resource  string
	Detail    string
	CreatedAt int64
}

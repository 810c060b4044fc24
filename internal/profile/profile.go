// Package profile holds the structured client data that sessions read from
// and the store that persists it.
package profile

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// MaxCourseChoices is the number of course choices a client may hold.
const MaxCourseChoices = 5

type Address struct {
	Line1    string `json:"line1"`
	Line2    string `json:"line2,omitempty"`
	City     string `json:"city"`
	Postcode string `json:"postcode"`
	Country  string `json:"country"`
}

type Personal struct {
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	DateOfBirth string  `json:"date_of_birth"`
	Nationality string  `json:"nationality"`
	Email       string  `json:"email"`
	Phone       string  `json:"phone"`
	Address     Address `json:"address"`
}

// AcademicRecord is one qualification, records are kept in the order the
// client entered them.
type AcademicRecord struct {
	Institution   string `json:"institution"`
	Qualification string `json:"qualification"`
	Grade         string `json:"grade"`
	Year          int    `json:"year"`
}

type CourseChoice struct {
	University string `json:"university"`
	Course     string `json:"course"`
	Code       string `json:"code"`
	EntryYear  int    `json:"entry_year"`
}

type Document struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

type ClientProfile struct {
	ID                string           `json:"id"`
	Personal          Personal         `json:"personal"`
	Academics         []AcademicRecord `json:"academics"`
	Courses           []CourseChoice   `json:"courses"`
	PersonalStatement string           `json:"personal_statement"`
	Documents         []Document       `json:"documents,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// FullName is the name as portals expect it in free-text fields.
func (p ClientProfile) FullName() string {
	return strings.TrimSpace(p.Personal.FirstName + " " + p.Personal.LastName)
}

// ChoicesAt returns the course choices the client made at the given university.
func (p ClientProfile) ChoicesAt(university string) []CourseChoice {
	var out []CourseChoice
	for _, c := range p.Courses {
		if strings.EqualFold(c.University, university) {
			out = append(out, c)
		}
	}
	return out
}

// Choice finds the choice for (university, code).
func (p ClientProfile) Choice(university, code string) (CourseChoice, bool) {
	for _, c := range p.ChoicesAt(university) {
		if strings.EqualFold(c.Code, code) {
			return c, true
		}
	}
	return CourseChoice{}, false
}

// ValidationError lists every problem found with a profile.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid profile: " + strings.Join(e.Problems, "; ")
}

// Validate checks what the store requires before a profile is saved.
func (p ClientProfile) Validate() error {
	var problems []string
	if strings.TrimSpace(p.Personal.FirstName) == "" {
		problems = append(problems, "first name is required")
	}
	if strings.TrimSpace(p.Personal.LastName) == "" {
		problems = append(problems, "last name is required")
	}
	if _, err := mail.ParseAddress(p.Personal.Email); err != nil {
		problems = append(problems, "email is invalid")
	}
	if p.Personal.DateOfBirth != "" {
		if _, err := time.Parse(time.DateOnly, p.Personal.DateOfBirth); err != nil {
			problems = append(problems, "date of birth must be YYYY-MM-DD")
		}
	}
	if len(p.Courses) > MaxCourseChoices {
		problems = append(problems, fmt.Sprintf("at most %d course choices are allowed, got %d", MaxCourseChoices, len(p.Courses)))
	}
	seen := map[string]bool{}
	for i, c := range p.Courses {
		if c.University == "" || c.Code == "" {
			problems = append(problems, fmt.Sprintf("course choice %d needs a university and a code", i+1))
			continue
		}
		key := strings.ToLower(c.University + "/" + c.Code)
		if seen[key] {
			problems = append(problems, fmt.Sprintf("course choice %d duplicates %s/%s", i+1, c.University, c.Code))
		}
		seen[key] = true
	}
	names := map[string]bool{}
	for _, d := range p.Documents {
		if d.Name == "" || names[d.Name] {
			problems = append(problems, fmt.Sprintf("document names must be unique and non-empty (%q)", d.Name))
		}
		names[d.Name] = true
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ErrNoCourseChoices is returned when a session is requested for a client
// without any course choices.
var ErrNoCourseChoices = errors.New("client has no course choices")

// ReadyForSubmission checks the extra requirements of running a session.
func (p ClientProfile) ReadyForSubmission() error {
	if len(p.Courses) == 0 {
		return ErrNoCourseChoices
	}
	return p.Validate()
}

// Package portal describes the university application portals a session can
// drive, one Definition per portal loaded from portals.json5.
package portal

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"uniapply-backend/internal/components/configutil"
)

// Field names the step executor writes, a portal only lists the ones its
// forms have.
const (
	FieldUsername        = "username"
	FieldPassword        = "password"
	FieldPasswordConfirm = "password_confirm"

	FieldFirstName    = "first_name"
	FieldLastName     = "last_name"
	FieldDateOfBirth  = "date_of_birth"
	FieldNationality  = "nationality"
	FieldEmail        = "email"
	FieldPhone        = "phone"
	FieldAddressLine1 = "address_line1"
	FieldAddressLine2 = "address_line2"
	FieldCity         = "city"
	FieldPostcode     = "postcode"
	FieldCountry      = "country"

	FieldInstitution   = "education.institution"
	FieldQualification = "education.qualification"
	FieldGrade         = "education.grade"
	FieldYear          = "education.year"

	FieldCourseCode      = "course.code"
	FieldCourseName      = "course.name"
	FieldCourseEntryYear = "course.entry_year"

	FieldPersonalStatement = "personal_statement"
	FieldDeclaration       = "declaration"
)

// IndexPlaceholder is replaced with the zero-based entry index in selectors of
// repeated sections, `#course-{i}-code` becomes `#course-2-code`.
const IndexPlaceholder = "{i}"

type FieldKind string

const (
	KindText     FieldKind = "text"
	KindSelect   FieldKind = "select"
	KindCheckbox FieldKind = "checkbox"
)

type Field struct {
	Selector string `json:"selector"`
	// Label is the visible label text, used to find the input again when the
	// selector no longer matches.
	Label string    `json:"label"`
	Kind  FieldKind `json:"kind"`
}

// At resolves the selector for entry i of a repeated section.
func (f Field) At(i int) Field {
	f.Selector = strings.ReplaceAll(f.Selector, IndexPlaceholder, strconv.Itoa(i))
	f.Label = strings.ReplaceAll(f.Label, IndexPlaceholder, strconv.Itoa(i+1))
	return f
}

type Controls struct {
	Continue       string `json:"continue"`
	Submit         string `json:"submit"`
	AddEducation   string `json:"add_education"`
	AddCourse      string `json:"add_course"`
	LoginSubmit    string `json:"login_submit"`
	RegisterSubmit string `json:"register_submit"`
	// LoginError is visible when the portal rejected the credential.
	LoginError string `json:"login_error"`
	// LoggedIn is visible once authentication succeeded.
	LoggedIn string `json:"logged_in"`
}

type Definition struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	BaseURL      string `json:"base_url"`
	RegisterPath string `json:"register_path"`
	LoginPath    string `json:"login_path"`
	ApplyPath    string `json:"apply_path"`
	// Central portals (UCAS style) take every course choice of the client in
	// one application, direct portals take one course per application.
	Central  bool             `json:"central"`
	Fields   map[string]Field `json:"fields"`
	Controls Controls         `json:"controls"`

	ConfirmationSelector string `json:"confirmation_selector"`
	// ConfirmationPattern is matched against the page text when the
	// confirmation selector is missing, the first group is the id.
	ConfirmationPattern string   `json:"confirmation_pattern"`
	CaptchaSelectors    []string `json:"captcha_selectors"`
	// ActionsPerSecond paces page actions, 0 uses the default.
	ActionsPerSecond float64 `json:"actions_per_second"`
}

// DefaultCaptchaSelectors are checked on every portal in addition to its own.
var DefaultCaptchaSelectors = []string{
	"iframe[src*='recaptcha']",
	"iframe[src*='hcaptcha']",
	"iframe[src*='challenges.cloudflare.com']",
	".g-recaptcha",
	".h-captcha",
	"#cf-challenge-running",
}

// URL joins path to the portal base url.
func (d Definition) URL(path string) (string, error) {
	base, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// Field returns the field definition for name.
func (d Definition) Field(name string) (Field, bool) {
	f, ok := d.Fields[name]
	if ok && f.Kind == "" {
		f.Kind = KindText
	}
	return f, ok
}

// Captchas returns every CAPTCHA marker selector for this portal.
func (d Definition) Captchas() []string {
	out := slices.Clone(DefaultCaptchaSelectors)
	for _, sel := range d.CaptchaSelectors {
		if !slices.Contains(out, sel) {
			out = append(out, sel)
		}
	}
	return out
}

func (d Definition) validate() error {
	var problems []string
	if d.ID == "" {
		problems = append(problems, "id is required")
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "base_url must be an absolute url")
	}
	if d.LoginPath == "" || d.ApplyPath == "" {
		problems = append(problems, "login_path and apply_path are required")
	}
	if d.Controls.Continue == "" || d.Controls.Submit == "" || d.Controls.LoginSubmit == "" {
		problems = append(problems, "controls continue, submit and login_submit are required")
	}
	for name, f := range d.Fields {
		if f.Selector == "" {
			problems = append(problems, fmt.Sprintf("field %s has no selector", name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("portal %q: %s", d.ID, strings.Join(problems, "; "))
	}
	return nil
}

type file struct {
	Portals []Definition `json:"portals"`
}

var ErrUnknownPortal = errors.New("no portal is configured for this university")

// Registry holds the configured portals keyed by university id.
type Registry struct {
	portals map[string]Definition
}

// NewRegistry validates defs, ids are case insensitive.
func NewRegistry(defs []Definition) (Registry, error) {
	r := Registry{portals: map[string]Definition{}}
	for _, d := range defs {
		err := d.validate()
		if err != nil {
			return Registry{}, err
		}
		id := strings.ToLower(d.ID)
		if _, exists := r.portals[id]; exists {
			return Registry{}, fmt.Errorf("portal %q is defined twice", d.ID)
		}
		d.ID = id
		r.portals[id] = d
	}
	return r, nil
}

// LoadRegistry reads portal definitions from path (and its .local. override).
func LoadRegistry(path string) (Registry, error) {
	f, err := configutil.ReadConfig[file](path)
	if err != nil {
		return Registry{}, fmt.Errorf("read portals: %w", err)
	}
	return NewRegistry(f.Portals)
}

func (r Registry) Get(university string) (Definition, error) {
	d, ok := r.portals[strings.ToLower(strings.TrimSpace(university))]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownPortal, university)
	}
	return d, nil
}

// All returns every portal sorted by id.
func (r Registry) All() []Definition {
	out := make([]Definition, 0, len(r.portals))
	for _, d := range r.portals {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Definition) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

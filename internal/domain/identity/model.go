package identity

import (
	"time"

	"github.com/google/uuid"

	"github.com/middec/middec/internal/platform/auth"
)

// Job is the clinical profession chosen at registration. It decides the
// user's role.
type Job string

const (
	JobMidwife   Job = "Midwife"
	JobPhysician Job = "Physician"
	JobNurse     Job = "Nurse"
)

var jobRoles = map[Job]string{
	JobMidwife:   auth.RoleMidwife,
	JobPhysician: auth.RolePhysician,
	JobNurse:     auth.RoleNurse,
}

func (j Job) Valid() bool {
	_, ok := jobRoles[j]
	return ok
}

type User struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Surname      string    `json:"surname"`
	Job          Job       `json:"job"`
	Email        string    `json:"email"`
	Institution  string    `json:"institution"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (u *User) FullName() string {
	if u.Surname == "" {
		return u.Name
	}
	return u.Name + " " + u.Surname
}

// Roles returns the token roles for the user's job.
func (u *User) Roles() []string {
	if r, ok := jobRoles[u.Job]; ok {
		return []string{r}
	}
	return nil
}

type RegisterRequest struct {
	Name            string `json:"name"`
	Surname         string `json:"surname"`
	Job             Job    `json:"job"`
	Email           string `json:"email"`
	Institution     string `json:"institution"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	AcceptedTerms   bool   `json:"acceptedTerms"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ProfileUpdate holds the editable profile fields. Empty fields are left
// unchanged.
type ProfileUpdate struct {
	Name        string `json:"name"`
	Surname     string `json:"surname"`
	Institution string `json:"institution"`
	Job         Job    `json:"job"`
}

package domain

import (
	"errors"
	"time"
)

var (
	ErrVariableNotFound = errors.New("variable not found")
	ErrVariableConflict = errors.New("variable with this name already exists in scope")
)

type VariableScope string

const (
	ScopeGlobal VariableScope = "global"
	ScopeJob    VariableScope = "job"
)

// Variable is a named value injected into step templates. Sensitive values
// are stored as ciphertext and only decrypted at resolve time. Job-scoped
// variables shadow globals of the same name.
type Variable struct {
	ID          string
	Name        string
	Value       string
	IsSensitive bool
	Scope       VariableScope
	// JobID is set only for job-scoped variables.
	JobID     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

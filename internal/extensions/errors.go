package extensions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrNotCallable  = errors.New("executor not callable")
)

type ValidationKind string

const (
	MissingField ValidationKind = "missing_field"
	NotCallable  ValidationKind = "not_callable"
	Invalid      ValidationKind = "invalid"
)

// ValidationError rejects a single tool declaration.
type ValidationError struct {
	Tool   string // name, or "#<index>" when the name itself is missing
	Kind   ValidationKind
	Fields []string
	Detail string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case MissingField:
		return fmt.Sprintf("tool %s: missing required field(s): %s", e.Tool, strings.Join(e.Fields, ", "))
	case NotCallable:
		return fmt.Sprintf("tool %s: execute is not callable: %s", e.Tool, e.Detail)
	default:
		return fmt.Sprintf("tool %s: invalid %s: %s", e.Tool, strings.Join(e.Fields, ", "), e.Detail)
	}
}

// CollisionError reports a tool name claimed more than once.
type CollisionError struct {
	Tool  string
	Units []string
}

func (e *CollisionError) Error() string {
	units := append([]string(nil), e.Units...)
	sort.Strings(units)
	return fmt.Sprintf("duplicate tool name %q (units: %s)", e.Tool, strings.Join(units, ", "))
}

type FailureKind string

const (
	FailureLoad       FailureKind = "load"
	FailureValidation FailureKind = "validation"
	FailureCollision  FailureKind = "collision"
)

// UnitFailure records why a unit contributed nothing to a version.
type UnitFailure struct {
	Unit   string      `json:"unit"`
	Reason string      `json:"reason"`
	Kind   FailureKind `json:"kind"`
	Err    error       `json:"-"`
}

func (f UnitFailure) Error() string { return f.Unit + ": " + f.Reason }
func (f UnitFailure) Unwrap() error { return f.Err }

func failure(unit string, err error) UnitFailure {
	kind := FailureLoad
	var ve *ValidationError
	var ce *CollisionError
	switch {
	case errors.As(err, &ve):
		kind = FailureValidation
	case errors.As(err, &ce):
		kind = FailureCollision
	}
	return UnitFailure{Unit: unit, Reason: err.Error(), Kind: kind, Err: err}
}

// ArgumentError rejects a tool call whose arguments do not match the schema.
type ArgumentError struct {
	Tool    string
	Details []string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("tool %s: invalid arguments: %s", e.Tool, strings.Join(e.Details, "; "))
}

// Package errors provides the forecasting platform's error taxonomy with
// kind-based matching and HTTP problem mapping.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies an error for matching and transport mapping.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindMissingRegressor  Kind = "missing_regressor"
	KindNoActiveModel     Kind = "no_active_model"
	KindTrainingFailure   Kind = "training_failure"
	KindPromotionConflict Kind = "promotion_conflict"
	KindValidation        Kind = "validation"
	KindInternal          Kind = "internal"
)

// Error is the platform error type. Two errors match under errors.Is when
// their kinds are equal, so callers branch on sentinel values below.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

// Sentinels for errors.Is matching.
var (
	NotFound          = &Error{Kind: KindNotFound, Message: "not found"}
	MissingRegressor  = &Error{Kind: KindMissingRegressor, Message: "missing exogenous regressor"}
	NoActiveModel     = &Error{Kind: KindNoActiveModel, Message: "no active model for scope"}
	TrainingFailure   = &Error{Kind: KindTrainingFailure, Message: "training failed"}
	PromotionConflict = &Error{Kind: KindPromotionConflict, Message: "concurrent promotion conflict"}
	Validation        = &Error{Kind: KindValidation, Message: "validation failed"}
	Internal          = &Error{Kind: KindInternal, Message: "internal error"}
)

func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

// Explain makes a copy of the error with the given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Wrap makes a copy of the error with the given cause
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is implements the interface needed for errors.Is. Kinds are compared,
// not messages, so wrapped and explained copies still match their sentinel.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// HTTPStatus maps an error kind to its HTTP response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound, KindNoActiveModel:
		return http.StatusNotFound
	case KindMissingRegressor:
		return http.StatusUnprocessableEntity
	case KindPromotionConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Problem is an RFC 7807 style problem document for HTTP error responses.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *Problem) Error() string { return p.Detail }

// MarshalJSON keeps the wire shape stable even if Problem grows fields.
func (p *Problem) MarshalJSON() ([]byte, error) {
	type alias Problem
	return json.Marshal((*alias)(p))
}

// AsProblem converts any error into a problem document. Unknown errors map
// to an opaque internal problem so causes never leak to clients.
func AsProblem(err error, instance string) *Problem {
	var e *Error
	if !As(err, &e) {
		e = Internal
	}
	return &Problem{
		Type:     "https://demandcast.io/problems/" + string(e.Kind),
		Title:    string(e.Kind),
		Status:   e.HTTPStatus(),
		Detail:   e.Message,
		Instance: instance,
	}
}

package validation

import (
	"net/http"
	"time"
)

// ErrorType classifies a rejected validation.
type ErrorType string

const (
	ErrorTypePlanExpired      ErrorType = "plan_expired"
	ErrorTypeCreditsExhausted ErrorType = "credits_exhausted"
	ErrorTypeInvalidKey       ErrorType = "invalid_api_key"
	ErrorTypeInternal         ErrorType = "internal_validation_error"
)

// Stable error codes shared with the routing layer. 1004 and 1005 are issued by the
// account and rate limiting services and are listed here so the ranges do not collide.
const (
	CodePlanExpired      = 1001
	CodeCreditsExhausted = 1002
	CodeInvalidKey       = 1003
	CodeAccountBanned    = 1004
	CodeRateLimited      = 1005
	CodeInternal         = 1008
)

// Code returns the numeric code for t.
func (t ErrorType) Code() int {
	switch t {
	case ErrorTypePlanExpired:
		return CodePlanExpired
	case ErrorTypeCreditsExhausted:
		return CodeCreditsExhausted
	case ErrorTypeInvalidKey:
		return CodeInvalidKey
	default:
		return CodeInternal
	}
}

// HTTPStatus returns the status code a rejection of type t is served with.
func (t ErrorType) HTTPStatus() int {
	switch t {
	case ErrorTypePlanExpired, ErrorTypeCreditsExhausted, ErrorTypeInvalidKey:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the human readable message for t.
func (t ErrorType) Message() string {
	switch t {
	case ErrorTypePlanExpired:
		return "Plan expired"
	case ErrorTypeCreditsExhausted:
		return "Credits exhausted"
	case ErrorTypeInvalidKey:
		return "API key is invalid"
	default:
		return "Internal validation error"
	}
}

// Verdict is the outcome of validating one key. On success the upstream credential and
// balance snapshot are filled in; on rejection only ErrorType and ExpireDate are.
type Verdict struct {
	Valid     bool
	ErrorType ErrorType

	KeyID              uint64
	RealAPIKey         string
	UserID             *string
	PackageType        string
	ActivationDate     *time.Time
	ExpireDate         *time.Time
	LastResetCreditsAt *time.Time
	RemainingCredits   *int64
}

func reject(t ErrorType) Verdict {
	return Verdict{ErrorType: t}
}

// HTTPStatus is 200 for a valid key and the error type's status otherwise.
func (v Verdict) HTTPStatus() int {
	if v.Valid {
		return http.StatusOK
	}
	return v.ErrorType.HTTPStatus()
}

// SuccessData is the data block of an accepted validation.
type SuccessData struct {
	Valid              bool    `json:"valid"`
	RealAPIKey         string  `json:"real_api_key"`
	UserID             *string `json:"user_id"`
	LastResetCreditsAt *string `json:"last_reset_credits_at,omitempty"`
	ActivationDate     *string `json:"activation_date,omitempty"`
	ExpireDate         *string `json:"expire_date,omitempty"`
	RemainingCredits   *int64  `json:"remaining_credits,omitempty"`
	PackageType        string  `json:"package_type,omitempty"`
}

// ErrorData is the data block of a rejected validation.
type ErrorData struct {
	Valid      bool    `json:"valid"`
	ErrorType  string  `json:"error_type"`
	ExpireDate *string `json:"expire_date,omitempty"`
}

// Envelope is the response body of the validation endpoint.
type Envelope struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Envelope renders the verdict, formatting timestamps in loc.
func (v Verdict) Envelope(loc *time.Location) Envelope {
	if loc == nil {
		loc = time.UTC
	}
	if v.Valid {
		return Envelope{
			Status:  "success",
			Code:    http.StatusOK,
			Message: "API key is valid",
			Data: SuccessData{
				Valid:              true,
				RealAPIKey:         v.RealAPIKey,
				UserID:             v.UserID,
				LastResetCreditsAt: formatTime(v.LastResetCreditsAt, loc, time.RFC3339),
				ActivationDate:     formatTime(v.ActivationDate, loc, time.RFC3339),
				ExpireDate:         formatTime(v.ExpireDate, loc, time.RFC3339),
				RemainingCredits:   v.RemainingCredits,
				PackageType:        v.PackageType,
			},
		}
	}
	data := ErrorData{Valid: false, ErrorType: string(v.ErrorType)}
	if v.ErrorType == ErrorTypePlanExpired {
		data.ExpireDate = formatTime(v.ExpireDate, loc, "2006-01-02")
	}
	return Envelope{
		Status:  "error",
		Code:    v.ErrorType.Code(),
		Message: v.ErrorType.Message(),
		Data:    data,
	}
}

func formatTime(t *time.Time, loc *time.Location, layout string) *string {
	if t == nil {
		return nil
	}
	s := t.In(loc).Format(layout)
	return &s
}

// Package envelope is the JSON response shape shared by every HTTP surface:
// {"code": 0 | negative, "message": ..., "data": ...}.
package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/and161185/goph-auth/internal/errs"
)

// Result codes. Zero is success.
const (
	CodeOK           = 0
	CodeInvalidInput = -1
	CodeAuthFailure  = -2
	CodeNotFound     = -3
	CodeConflict     = -4
	CodeToken        = -5
	CodeRateLimited  = -6
	CodeUpstream     = -7
	CodeInternal     = -10
)

// Envelope is the wire shape. Data is raw on decode.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type out struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Classify maps an error onto (envelope code, HTTP status, public message).
// Unclassified errors are reported as internal without their text.
func Classify(err error) (int, int, string) {
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		return CodeInvalidInput, http.StatusBadRequest, err.Error()
	case errors.Is(err, errs.ErrUnauthorized):
		return CodeAuthFailure, http.StatusUnauthorized, "authentication failed"
	case errors.Is(err, errs.ErrNotFound):
		return CodeNotFound, http.StatusNotFound, "not found"
	case errors.Is(err, errs.ErrAlreadyExists):
		return CodeConflict, http.StatusConflict, "already exists"
	case errors.Is(err, errs.ErrTokenExpired):
		return CodeToken, http.StatusUnauthorized, errs.ErrTokenExpired.Error()
	case errors.Is(err, errs.ErrTokenRevoked):
		return CodeToken, http.StatusUnauthorized, errs.ErrTokenRevoked.Error()
	case errors.Is(err, errs.ErrTokenInvalid):
		return CodeToken, http.StatusUnauthorized, errs.ErrTokenInvalid.Error()
	case errors.Is(err, errs.ErrRateLimited):
		return CodeRateLimited, http.StatusTooManyRequests, "too many attempts"
	case errors.Is(err, errs.ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		return CodeUpstream, http.StatusBadGateway, "upstream unavailable"
	}
	return CodeInternal, http.StatusInternalServerError, "internal error"
}

// WriteOK writes a success envelope.
func WriteOK(w http.ResponseWriter, message string, data any) {
	if message == "" {
		message = "ok"
	}
	write(w, http.StatusOK, out{Code: CodeOK, Message: message, Data: data})
}

// WriteError writes the envelope for err.
func WriteError(w http.ResponseWriter, err error) {
	code, status, msg := Classify(err)
	write(w, status, out{Code: code, Message: msg})
}

// WriteErrorData writes the envelope for err carrying data.
func WriteErrorData(w http.ResponseWriter, err error, data any) {
	code, status, msg := Classify(err)
	write(w, status, out{Code: code, Message: msg, Data: data})
}

func write(w http.ResponseWriter, status int, body out) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Decode reads an envelope from r and unmarshals a successful Data into v
// (v may be nil). A non-zero code becomes an error carrying the message.
func Decode(r io.Reader, v any) error {
	var e Envelope
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if e.Code != CodeOK {
		return &Error{Code: e.Code, Message: e.Message}
	}
	if v == nil || len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// Error is a failed envelope received from a peer.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("code %d: %s", e.Code, e.Message) }

// Unwrap maps the code back onto the error taxonomy.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeInvalidInput:
		return errs.ErrInvalidInput
	case CodeAuthFailure:
		return errs.ErrUnauthorized
	case CodeNotFound:
		return errs.ErrNotFound
	case CodeConflict:
		return errs.ErrAlreadyExists
	case CodeToken:
		switch e.Message {
		case errs.ErrTokenExpired.Error():
			return errs.ErrTokenExpired
		case errs.ErrTokenRevoked.Error():
			return errs.ErrTokenRevoked
		}
		return errs.ErrTokenInvalid
	case CodeRateLimited:
		return errs.ErrRateLimited
	case CodeUpstream:
		return errs.ErrUpstreamUnavailable
	}
	return nil
}

// ReadJSON decodes a request body into v, rejecting unknown fields.
func ReadJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("empty body: %w", errs.ErrInvalidInput)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("body: %w", errs.ErrInvalidInput)
	}
	return nil
}

// HandlerFunc returns the data for a success envelope or an error.
type HandlerFunc func(r *http.Request) (any, error)

// Wrap adapts h to http.HandlerFunc.
func Wrap(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := h(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteOK(w, "", data)
	}
}

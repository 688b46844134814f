package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"session-service/internal/session"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}

func statusFor(kind session.Kind) int {
	switch kind {
	case session.KindNotFound:
		return http.StatusNotFound
	case session.KindForbidden:
		return http.StatusForbidden
	case session.KindConflict, session.KindCapacityExceeded, session.KindInvalidState:
		return http.StatusConflict
	case session.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// writeSessionError renders an engine error. Anything that is not a
// session.Error is logged and reported as unavailable.
func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	var se *session.Error
	if !errors.As(err, &se) {
		s.logger.Error("session-service: unexpected error",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		writeError(w, http.StatusServiceUnavailable, session.ErrUnavailable.Code, session.ErrUnavailable.Message)
		return
	}
	msg := se.Message
	if se.Kind == session.KindUnavailable {
		msg = session.ErrUnavailable.Message
	}
	writeError(w, statusFor(se.Kind), se.Code, msg)
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. The returned error is
// always a session.Error of kind InvalidArgument.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return badRequest("request body too large")
		}
		return badRequest("invalid JSON body")
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return badRequest(fieldMessage(verrs[0]))
		}
		return badRequest("invalid request body")
	}
	return nil
}

func badRequest(msg string) error {
	return &session.Error{Kind: session.KindInvalidArgument, Code: session.ErrInvalidArgument.Code, Message: msg}
}

func fieldMessage(e validator.FieldError) string {
	field := e.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch e.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must not exceed %s", field, e.Param())
	case "oneof":
		return field + " must be one of: " + e.Param()
	case "gte":
		return field + " must be greater than or equal to " + e.Param()
	case "lte":
		return field + " must be less than or equal to " + e.Param()
	default:
		return field + " is invalid"
	}
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/security"
)

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, security.MaxRequestSize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.InvalidRequestError("request body too large")
		}
		return apperrors.InvalidRequestError("invalid request body: " + err.Error())
	}
	return nil
}

// validationError converts a security validation failure into an AppError.
func validationError(err error) error {
	var ve *security.ValidationError
	if errors.As(err, &ve) {
		return apperrors.ValidationError(ve.Error()).WithDetail("field", ve.Field)
	}
	return apperrors.ValidationError(err.Error())
}

// retrievalParams applies defaults to limit and threshold and validates them.
// Nil pointers mean the field was omitted.
func (s *Server) retrievalParams(field, question string, limit *int, threshold *float64) (string, int, float64, error) {
	question = security.SanitizeQuery(question)
	l := 0
	if limit != nil {
		l = *limit
	}
	t := s.cfg.DefaultThreshold
	if threshold != nil {
		t = *threshold
	}
	if l == 0 {
		l = s.cfg.DefaultLimit
	}

	v := security.RetrievalRequestValidator{Field: field, Question: question, Limit: &l, Threshold: &t}
	if err := v.Validate(); err != nil {
		return "", 0, 0, validationError(err)
	}
	return question, l, t, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, apperrors.ValidationError(name + " must be an integer").WithDetail("field", name)
	}
	return &n, nil
}

// queryFloat parses an optional float query parameter.
func queryFloat(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, apperrors.ValidationError(name + " must be a number").WithDetail("field", name)
	}
	return &f, nil
}

// listLimit parses the limit of a listing endpoint.
func listLimit(r *http.Request, def int) (int, error) {
	n, err := queryInt(r, "limit")
	if err != nil {
		return 0, err
	}
	if n == nil {
		return def, nil
	}
	if *n < 1 || *n > 1000 {
		return 0, apperrors.ValidationError("limit must be between 1 and 1000").WithDetail("field", "limit")
	}
	return *n, nil
}

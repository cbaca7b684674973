package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bryan-buckman/prismfeeder/internal/apperr"
	"github.com/bryan-buckman/prismfeeder/internal/model"
)

type response struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data"`
	Pagination *pagination `json:"pagination,omitempty"`
}

type pagination struct {
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasNext    bool `json:"has_next"`
	NextOffset *int `json:"next_offset"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, response{Success: true, Data: data})
}

func writePage[T any](w http.ResponseWriter, p model.Page[T]) {
	writeJSON(w, http.StatusOK, response{
		Success: true,
		Data:    p.Items,
		Pagination: &pagination{
			Total:      p.Total,
			Limit:      p.Limit,
			Offset:     p.Offset,
			HasNext:    p.HasNext,
			NextOffset: p.NextOffset,
		},
	})
}

// fail writes the error envelope for err. Unclassified errors are logged and
// hidden behind a generic internal error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	reqID := middleware.GetReqID(r.Context())
	if ae.Code == apperr.CodeInternal {
		s.log.Error(r.Context(), "request failed",
			"request_id", reqID, "method", r.Method, "path", r.URL.Path, "user_id", userID(r), "error", err)
	}
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ae.RetryAfter/time.Second)))
	}
	writeJSON(w, ae.Code.HTTPStatus(), apperr.NewEnvelope(ae, reqID, time.Now()))
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is empty")
		case errors.As(err, &tooLarge):
			return apperr.Validation("request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Validation("invalid JSON body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid %s %q", name, raw).WithDetail("field", name)
	}
	return id, nil
}

// queryID parses an optional positive ID from the query string.
func queryID(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, apperr.Validation("invalid %s %q", name, raw).WithDetail("field", name)
	}
	return &id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("invalid %s %q", name, raw).WithDetail("field", name)
	}
	return n, nil
}

// optionalID distinguishes an absent JSON field from an explicit null.
type optionalID struct {
	Set bool
	ID  *int64
}

func (o *optionalID) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.ID = nil
		return nil
	}
	var id int64
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	o.ID = &id
	return nil
}

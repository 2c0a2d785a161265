package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/store"
)

// RawStreamContentType tags line-delimited JSON response streams.
const RawStreamContentType = "application/vdn.nanocl.raw-stream"

var validate = validator.New()

type errorBody struct {
	Msg string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.HTTPStatus(err), errorBody{Msg: err.Error()})
}

// decodeBody parses a JSON payload, rejecting unknown fields so typos
// fail at the boundary, then runs struct validation.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errdefs.BadInput("malformed payload: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return errdefs.BadInput("invalid payload: %v", err)
	}
	return nil
}

// parseFilter reads the common limit/offset query parameters.
func parseFilter(r *http.Request) *store.Filter {
	f := store.NewFilter()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && (n > 0 || n == store.NoLimit) {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Offset = n
		}
	}
	return f
}

// stream writes one JSON document per line and flushes after each.
type stream struct {
	w http.ResponseWriter
	f http.Flusher
}

func newStream(w http.ResponseWriter) *stream {
	w.Header().Set("Content-Type", RawStreamContentType)
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &stream{w: w, f: f}
}

func (s *stream) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

// SendError terminates a started stream with a final error item.
func (s *stream) SendError(err error) {
	s.Send(errorBody{Msg: err.Error()})
}

type countBody struct {
	Count int
}

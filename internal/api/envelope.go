package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/MrWong99/storyline/internal/observe"
)

// fields are the payload keys of an envelope next to status and message.
type fields map[string]any

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envelope(ok bool, message string, f fields) map[string]any {
	body := make(map[string]any, len(f)+2)
	for k, v := range f {
		body[k] = v
	}
	body["status"] = ok
	body["message"] = message
	return body
}

func success(w http.ResponseWriter, message string, f fields) {
	writeJSON(w, http.StatusOK, envelope(true, message, f))
}

func failure(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, envelope(false, message, nil))
}

func failureStatus(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope(false, message, nil))
}

// internalError logs err and reports it in the envelope.
func internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	observe.Logger(r.Context()).Error("api: "+op, "err", err)
	failure(w, "Internal server error: "+err.Error())
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			observe.Logger(r.Context()).Error("api: handler panic",
				"panic", v, "path", r.URL.Path, "stack", string(debug.Stack()))
			failureStatus(w, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %v", v))
		}()
		next.ServeHTTP(w, r)
	})
}

// pathID parses the {id} wildcard.
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil
}

// body is a decoded JSON object whose members are inspected lazily, so
// handlers can tell a missing key from a null or mistyped one.
type body map[string]json.RawMessage

// decodeBody reads a JSON object from r. An empty body decodes to an empty
// object when allowEmpty is set.
func decodeBody(r *http.Request, allowEmpty bool) (body, error) {
	var b body
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&b); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return body{}, nil
		}
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("api: body is not a JSON object")
	}
	return b, nil
}

func (b body) has(key string) bool {
	_, ok := b[key]
	return ok
}

func (b body) isNull(key string) bool {
	raw, ok := b[key]
	return !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// str returns the member as a string; ok is false when it is not one.
func (b body) str(key string) (string, bool) {
	var s string
	if err := json.Unmarshal(b[key], &s); err != nil {
		return "", false
	}
	return s, true
}

func (b body) boolean(key string) bool {
	var v bool
	_ = json.Unmarshal(b[key], &v)
	return v
}

// id returns the member as an integer. Integral numbers and numeric strings
// are accepted.
func (b body) id(key string) (int64, bool) {
	return parseID(b[key])
}

func parseID(raw json.RawMessage) (int64, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return i, err == nil
}

// idList renders ids the way clients have always seen them: "[4, 9]".
func idList[T any](ids []T) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

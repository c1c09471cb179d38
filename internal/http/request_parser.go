package http

// This file implements utilities for parsing and validating request data.
// Bodies may be JSON (the SPA) or form-encoded (HTMX and curl).

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"finet/internal/core"
)

// RequestBodyParser handles different content types for request body parsing.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]any
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser creates a parser for the given request.
// It reads the body once and stores it for subsequent parsing.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}
	if r.Body != nil {
		p.body, p.err = io.ReadAll(r.Body)
	}
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}

	trimmed := strings.TrimSpace(string(p.body))
	if trimmed == "" {
		p.formData = url.Values{}
		return nil
	}

	if trimmed[0] == '{' {
		p.jsonData = make(map[string]any)
		if err := json.Unmarshal(p.body, &p.jsonData); err != nil {
			p.jsonData = nil
			p.err = err
			return err
		}
		return nil
	}
	if trimmed[0] == '[' {
		p.err = errors.New("expected an object")
		return p.err
	}

	p.formData, p.err = url.ParseQuery(trimmed)
	return p.err
}

// Get returns a string value from the parsed data (JSON or form).
func (p *RequestBodyParser) Get(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return strings.TrimSpace(sanitizeInput(stringValue(val)))
		}
		return ""
	}
	if p.formData != nil {
		return strings.TrimSpace(sanitizeInput(p.formData.Get(key)))
	}
	return ""
}

// GetRawString returns the value without trimming; passwords keep their
// spaces.
func (p *RequestBodyParser) GetRawString(key string) string {
	if p.jsonData != nil {
		return stringValue(p.jsonData[key])
	}
	if p.formData != nil {
		return p.formData.Get(key)
	}
	return ""
}

// Has reports whether key was sent at all, even empty.
func (p *RequestBodyParser) Has(key string) bool {
	if p.jsonData != nil {
		_, ok := p.jsonData[key]
		return ok
	}
	if p.formData != nil {
		_, ok := p.formData[key]
		return ok
	}
	return false
}

// GetBool reads checkbox-style values: true, 1, on, yes.
func (p *RequestBodyParser) GetBool(key string) bool {
	switch strings.ToLower(p.Get(key)) {
	case "true", "1", "on", "yes":
		return true
	default:
		return false
	}
}

// GetRaw returns the raw body bytes.
func (p *RequestBodyParser) GetRaw() []byte {
	return p.body
}

// ContentType returns the Content-Type header value.
func (p *RequestBodyParser) ContentType() string {
	return p.contentType
}

// IsJSON returns true if the parsed content was JSON.
func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

// stringValue converts a decoded JSON value to string.
func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// parseBody reads and parses the request body, writing a 400 on failure.
func parseBody(w http.ResponseWriter, r *http.Request) (*RequestBodyParser, bool) {
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrorResponse(http.StatusRequestEntityTooLarge, "Request body too large").Write(w)
			return nil, false
		}
		BadRequestError("Invalid request body").Write(w)
		return nil, false
	}
	return p, true
}

// EntryFields overlays the entry fields present in the body onto base.
// Missing fields keep the base value; a new entry starts from today.
func (p *RequestBodyParser) EntryFields(base core.Entry, now time.Time) (core.Entry, error) {
	e := base
	if p.Has("name") {
		e.Name = p.Get("name")
	}
	if p.Has("price") || p.Has("amount") {
		raw := p.Get("price")
		if !p.Has("price") {
			raw = p.Get("amount")
		}
		amount, err := core.ParseAmount(raw)
		if err != nil {
			return e, &core.ValidationError{Field: "price", Err: err}
		}
		e.Price = amount
	}
	if p.Has("expense_type") || p.Has("type") {
		typ := p.Get("expense_type")
		if typ == "" {
			typ = p.Get("type")
		}
		e.Type = core.EntryType(strings.ToLower(typ))
	}
	if p.Has("category_id") || p.Has("category") {
		cat := p.Get("category_id")
		if cat == "" {
			cat = p.Get("category")
		}
		e.Category = core.Category(cat).OrOther()
	}
	if p.Has("date") && p.Get("date") != "" {
		d, err := core.ParseDate(p.Get("date"))
		if err != nil {
			return e, &core.ValidationError{Field: "date", Err: err}
		}
		e.Date = d
	}
	if e.Date.IsZero() {
		e.Date = core.DateOf(now)
	}
	if p.Has("note") {
		e.Note = p.Get("note")
	}
	return e, nil
}

// parseLimit reads a positive integer query parameter, falling back to def.
func parseLimit(query url.Values, key string, def, max int) int {
	v, err := strconv.Atoi(strings.TrimSpace(query.Get(key)))
	if err != nil || v < 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

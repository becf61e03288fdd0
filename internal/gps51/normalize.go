package gps51

import (
	"bytes"
	"encoding/json"
)

// envelope is the common wrapper on every upstream response.
type envelope struct {
	Status int    `json:"status"`
	Cause  string `json:"cause"`
}

// normalize turns the upstream body into something decodable. GPS51 responds
// with JSON, the literal string "null", a JSON-encoded "null", or an empty
// body (sometimes with a binary content type). All of the non-JSON shapes
// mean "success with no records".
func normalize(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`"null"`)) {
		return []byte(`{"status":0}`)
	}
	if !json.Valid(trimmed) {
		return []byte(`{"status":0}`)
	}
	return trimmed
}

// decode normalizes the body, checks the envelope status, and unmarshals the
// full payload into out when out is non-nil.
func decode(body []byte, httpStatus int, out any) error {
	raw := normalize(body)

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{HTTPStatus: httpStatus, Message: "malformed upstream payload"}
	}
	if env.Status != StatusOK {
		msg := env.Cause
		if msg == "" {
			msg = "upstream error"
		}
		return &Error{Status: env.Status, HTTPStatus: httpStatus, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{HTTPStatus: httpStatus, Message: "unexpected upstream payload shape"}
		}
	}
	return nil
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNetwork wraps failures where no response was received.
	ErrNetwork = errors.New("network error")
	// ErrUnauthorized is matched by any 401 response.
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	// ErrNoToken is returned by authenticated calls made while signed out.
	ErrNoToken = errors.New("not signed in")
)

// Error is a non-2xx response from the Finet API.
type Error struct {
	Status int
	// Messages holds the API "message" field; the API sends either a
	// string or an array of validation messages.
	Messages []string
	Body     string
}

func (e *Error) Error() string {
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("api: %d %s", e.Status, msg)
	}
	return fmt.Sprintf("api: status %d", e.Status)
}

// Message joins the API messages with ", ".
func (e *Error) Message() string {
	return strings.Join(e.Messages, ", ")
}

func (e *Error) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

func newError(status int, body []byte) *Error {
	e := &Error{Status: status, Body: string(body)}

	var envelope struct {
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) != nil {
		return e
	}
	e.Messages = messages(envelope.Message)
	if len(e.Messages) == 0 {
		// Cloudinary nests its text as {"error":{"message":...}}.
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
			e.Messages = []string{nested.Message}
		}
	}
	return e
}

func messages(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if json.Unmarshal(raw, &one) == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return nil
}

func statusOf(err error) (int, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status, true
	}
	return 0, false
}

// LoginErrorMessage renders a failed credential exchange for the user.
func LoginErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNetwork) {
		return "Network error. Cannot reach the server."
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return "An unexpected error occurred."
	}
	if msg := apiErr.Message(); msg != "" {
		return msg
	}
	switch apiErr.Status {
	case http.StatusUnauthorized:
		return "Invalid email or password."
	case http.StatusBadRequest:
		return "Please fill in all fields correctly."
	case http.StatusInternalServerError:
		return "Server error (500). Please try again later."
	default:
		return fmt.Sprintf("Login failed (%d).", apiErr.Status)
	}
}

// RegisterErrorMessage renders a failed registration for the user.
func RegisterErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNetwork) {
		return "Network error. Please check your connection."
	}
	status, ok := statusOf(err)
	if !ok {
		return "An unexpected error occurred."
	}
	switch status {
	case http.StatusConflict:
		return "Email already exists. Please use a different email."
	case http.StatusBadRequest:
		var apiErr *Error
		errors.As(err, &apiErr)
		msg := apiErr.Message()
		if msg == "" {
			msg = "Invalid data provided."
		}
		return "Error: " + msg
	default:
		return "Registration failed. Please try again."
	}
}

// OTPVerifyErrorMessage renders a failed OTP verification for the user.
func OTPVerifyErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNetwork) {
		return "Network error. Please check your connection."
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message() != "" {
		return apiErr.Message()
	}
	return "Invalid or expired OTP. Please try again."
}

// OTPSendErrorMessage is shown whenever sending an OTP fails.
const OTPSendErrorMessage = "Failed to send OTP. Please try again later."

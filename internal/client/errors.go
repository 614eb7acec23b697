package client

import (
	"errors"
	"fmt"
)

// ErrWeatherAPI matches every failure of the met.no API client via errors.Is.
var ErrWeatherAPI = errors.New("weather API error")

// Kinds of APIError. Each also matches ErrWeatherAPI.
var (
	ErrConnection        = errors.New("weather API connection failed")
	ErrRateLimited       = errors.New("weather API rate limit exceeded")
	ErrMalformedResponse = errors.New("malformed weather API response")
)

// APIError is returned for every failed fetch once coordinates have been accepted.
type APIError struct {
	// Kind is ErrConnection, ErrRateLimited, ErrMalformedResponse or ErrWeatherAPI.
	Kind error
	// StatusCode is the last HTTP status seen, or 0 when no response arrived.
	StatusCode int
	Msg        string
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// Is matches ErrWeatherAPI and the error's own Kind.
func (e *APIError) Is(target error) bool {
	return target == ErrWeatherAPI || (e.Kind != nil && target == e.Kind)
}

func newAPIError(kind error, status int, msg string, err error) *APIError {
	return &APIError{Kind: kind, StatusCode: status, Msg: msg, Err: err}
}

package client

import (
	"errors"
	"fmt"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{"client error should not retry", ErrorClassClient, false},
		{"server error should retry", ErrorClassServer, true},
		{"rate limit should retry", ErrorClassRateLimit, true},
		{"network error should retry", ErrorClassNetwork, true},
		{"decode error should not retry", ErrorClassDecode, false},
		{"empty error class should not retry", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.errorClass); got != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, got, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{200, ""},
		{304, ""},
		{400, ErrorClassClient},
		{404, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
		{520, ErrorClassRateLimit},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestClassOf(t *testing.T) {
	apiErr := &APIError{StatusCode: 503, Class: ErrorClassServer}

	if got := classOf(fmt.Errorf("wrapped: %w", apiErr)); got != ErrorClassServer {
		t.Errorf("classOf(wrapped APIError) = %q, want server", got)
	}
	if got := classOf(errors.New("connection refused")); got != ErrorClassNetwork {
		t.Errorf("classOf(plain error) = %q, want network", got)
	}
}

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name: "error with wrapped error",
			err: &APIError{
				StatusCode: 500,
				Class:      ErrorClassServer,
				Message:    "500 Internal Server Error",
				Err:        errors.New("upstream failed"),
			},
			expected: "api server error (status 500): 500 Internal Server Error: upstream failed",
		},
		{
			name: "error without wrapped error",
			err: &APIError{
				StatusCode: 404,
				Class:      ErrorClassClient,
				Message:    "404 Not Found",
			},
			expected: "api client error (status 404): 404 Not Found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &APIError{Class: ErrorClassNetwork, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	var target *APIError
	if !errors.As(fmt.Errorf("outer: %w", err), &target) {
		t.Fatal("errors.As should find the APIError")
	}
	if target.Class != ErrorClassNetwork {
		t.Errorf("Class = %q, want network", target.Class)
	}
}

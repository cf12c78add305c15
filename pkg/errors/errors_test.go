package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(CategoryLink, SeverityMedium, "test error")
	if err == nil {
		t.Fatal("New returned nil")
	}
	if err.Category != CategoryLink {
		t.Errorf("Expected category %s, got %s", CategoryLink, err.Category)
	}
	if err.Severity != SeverityMedium {
		t.Errorf("Expected severity %s, got %s", SeverityMedium, err.Severity)
	}
	if err.Message != "test error" {
		t.Errorf("Expected message 'test error', got '%s'", err.Message)
	}
	if err.Retryable {
		t.Error("Expected non-retryable error")
	}
}

func TestWrap(t *testing.T) {
	underlying := fmt.Errorf("underlying error")
	err := Wrap(CategoryTopology, SeverityHigh, "wrapped error", underlying)

	if err.Underlying == nil {
		t.Error("Expected underlying error to be set")
	}
	if !errors.Is(err, underlying) {
		t.Error("Wrapped error should unwrap to underlying error")
	}
}

func TestNewRetryable(t *testing.T) {
	err := NewRetryable(CategoryTimeout, SeverityMedium, "timeout error")
	if !err.Retryable {
		t.Error("Expected retryable error")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		err      *OverlayError
		contains string
	}{
		{
			name:     "simple error",
			err:      New(CategoryLink, SeverityLow, "link failed"),
			contains: "[link:low] link failed",
		},
		{
			name:     "wrapped error",
			err:      Wrap(CategoryTopology, SeverityHigh, "topology error", fmt.Errorf("underlying")),
			contains: "[topology:high] topology error: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errStr := tt.err.Error()
			if errStr != tt.contains {
				t.Errorf("Expected error string to contain '%s', got '%s'", tt.contains, errStr)
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	err := New(CategoryLink, SeverityMedium, "test")
	err.WithContext("address", "127.0.0.1:9050")
	err.WithContext("attempt", 3)

	if err.Context == nil {
		t.Fatal("Context not initialized")
	}
	if err.Context["address"] != "127.0.0.1:9050" {
		t.Error("Context 'address' not set correctly")
	}
	if err.Context["attempt"] != 3 {
		t.Error("Context 'attempt' not set correctly")
	}
}

func TestIs(t *testing.T) {
	err1 := New(CategoryLink, SeverityMedium, "error1")
	err2 := New(CategoryLink, SeverityHigh, "error2")
	err3 := New(CategoryTopology, SeverityMedium, "error3")

	if !errors.Is(err1, err2) {
		t.Error("Errors with same category should match with Is")
	}
	if errors.Is(err1, err3) {
		t.Error("Errors with different categories should not match")
	}
}

func TestLinkError(t *testing.T) {
	underlying := fmt.Errorf("transport error")
	err := LinkError("failed to connect", underlying)

	if err.Category != CategoryLink {
		t.Errorf("Expected category %s, got %s", CategoryLink, err.Category)
	}
	if !err.Retryable {
		t.Error("Link errors should be retryable")
	}
}

func TestRPCError(t *testing.T) {
	err := RPCError("call failed", nil)
	if err.Category != CategoryRPC {
		t.Errorf("Expected category %s, got %s", CategoryRPC, err.Category)
	}
	if !err.Retryable {
		t.Error("RPC errors should be retryable")
	}
}

func TestHavenError(t *testing.T) {
	err := HavenError("decrypt failed", nil)
	if err.Category != CategoryHaven {
		t.Errorf("Expected category %s, got %s", CategoryHaven, err.Category)
	}
	if err.Retryable {
		t.Error("Haven errors should not be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable error",
			err:      NewRetryable(CategoryTimeout, SeverityMedium, "timeout"),
			expected: true,
		},
		{
			name:     "non-retryable error",
			err:      New(CategoryHaven, SeverityHigh, "haven error"),
			expected: false,
		},
		{
			name:     "standard error",
			err:      fmt.Errorf("standard error"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsRetryable(tt.err)
			if result != tt.expected {
				t.Errorf("Expected IsRetryable to return %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestGetCategory(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{
			name:     "overlay error",
			err:      New(CategoryTopology, SeverityMedium, "test"),
			expected: CategoryTopology,
		},
		{
			name:     "standard error",
			err:      fmt.Errorf("standard error"),
			expected: CategoryInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetCategory(tt.err)
			if result != tt.expected {
				t.Errorf("Expected category %s, got %s", tt.expected, result)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Severity
	}{
		{
			name:     "overlay error",
			err:      New(CategoryTopology, SeverityCritical, "test"),
			expected: SeverityCritical,
		},
		{
			name:     "standard error",
			err:      fmt.Errorf("standard error"),
			expected: SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetSeverity(tt.err)
			if result != tt.expected {
				t.Errorf("Expected severity %s, got %s", tt.expected, result)
			}
		})
	}
}

func TestIsCategory(t *testing.T) {
	err := New(CategoryLink, SeverityMedium, "test")

	if !IsCategory(err, CategoryLink) {
		t.Error("Expected IsCategory to return true for matching category")
	}
	if IsCategory(err, CategoryTopology) {
		t.Error("Expected IsCategory to return false for non-matching category")
	}

	stdErr := fmt.Errorf("standard error")
	if IsCategory(stdErr, CategoryLink) {
		t.Error("Expected IsCategory to return false for standard error")
	}
}

func TestAllErrorConstructors(t *testing.T) {
	tests := []struct {
		name        string
		constructor func() *OverlayError
		category    ErrorCategory
		shouldRetry bool
	}{
		{
			name:        "LinkError",
			constructor: func() *OverlayError { return LinkError("test", nil) },
			category:    CategoryLink,
			shouldRetry: true,
		},
		{
			name:        "TopologyError",
			constructor: func() *OverlayError { return TopologyError("test", nil) },
			category:    CategoryTopology,
			shouldRetry: false,
		},
		{
			name:        "RPCError",
			constructor: func() *OverlayError { return RPCError("test", nil) },
			category:    CategoryRPC,
			shouldRetry: true,
		},
		{
			name:        "HavenError",
			constructor: func() *OverlayError { return HavenError("test", nil) },
			category:    CategoryHaven,
			shouldRetry: false,
		},
		{
			name:        "ResourceError",
			constructor: func() *OverlayError { return ResourceError("test", nil) },
			category:    CategoryResource,
			shouldRetry: false,
		},
		{
			name:        "ConfigurationError",
			constructor: func() *OverlayError { return ConfigurationError("test", nil) },
			category:    CategoryConfiguration,
			shouldRetry: false,
		},
		{
			name:        "TimeoutError",
			constructor: func() *OverlayError { return TimeoutError("test", nil) },
			category:    CategoryTimeout,
			shouldRetry: true,
		},
		{
			name:        "InternalError",
			constructor: func() *OverlayError { return InternalError("test", nil) },
			category:    CategoryInternal,
			shouldRetry: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constructor()
			if err.Category != tt.category {
				t.Errorf("Expected category %s, got %s", tt.category, err.Category)
			}
			if err.Retryable != tt.shouldRetry {
				t.Errorf("Expected retryable %v, got %v", tt.shouldRetry, err.Retryable)
			}
		})
	}
}

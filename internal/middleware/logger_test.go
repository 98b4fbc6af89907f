package middleware

import "testing"

func TestRequestKind(t *testing.T) {
	tests := []struct {
		status   int
		hasErr   bool
		expected string
	}{
		{401, false, "auth_error"},
		{429, false, "throttled"},
		{404, false, "not_found"},
		{409, false, "conflict"},
		{503, false, "storage_error"},
		{500, false, "server_error"},
		{400, false, "client_error"},
		{200, false, "ok"},
		{200, true, "error"},
		{201, false, "ok"},
	}
	for _, tt := range tests {
		if got := requestKind(tt.status, tt.hasErr); got != tt.expected {
			t.Errorf("requestKind(%d, %v) = %q, want %q", tt.status, tt.hasErr, got, tt.expected)
		}
	}
}

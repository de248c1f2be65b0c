package validation

import (
	"testing"
)

func TestValidateRefURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:    "valid https URL",
			input:   "https://example.com/file.jpg",
			wantErr: false,
		},
		{
			name:    "valid http URL",
			input:   "http://golang.org/doc.pdf",
			wantErr: false,
		},
		{
			name:    "invalid scheme",
			input:   "ftp://example.com",
			wantErr: true,
		},
		{
			name:    "missing host",
			input:   "https:///path",
			wantErr: true,
		},
		{
			name:    "localhost not allowed",
			input:   "http://localhost:8080",
			wantErr: true,
		},
		{
			name:    "private IP not allowed",
			input:   "http://192.168.1.10",
			wantErr: true,
		},
		{
			name:    "loopback IP not allowed",
			input:   "https://127.0.0.1",
			wantErr: true,
		},
		{
			name:    "link-local metadata address not allowed",
			input:   "http://169.254.169.254/latest",
			wantErr: true,
		},
		{
			name:    "empty reference",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRefURL(tt.input)
			if tt.wantErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

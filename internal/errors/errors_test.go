package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Transient(io.ErrUnexpectedEOF), true},
		{"wrapped transient", fmt.Errorf("read chunk: %w", Transient(io.ErrUnexpectedEOF)), true},
		{"storage", Storage(errors.New("disk full")), false},
		{"checksum", fmt.Errorf("verify: %w", ErrChecksumMismatch), false},
		{"cancelled", ErrCancelled, false},
		{"paused", ErrPaused, false},
		{"plain", context.DeadlineExceeded, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestClassifiedKeepsCause(t *testing.T) {
	err := Storage(io.ErrShortWrite)

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, "storage error: short write", err.Error())
	assert.Nil(t, Transient(nil))
}

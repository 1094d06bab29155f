package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusThroughWrapping(t *testing.T) {
	t.Parallel()
	base := Errorf(StatusUnavailable, "backend down")
	wrapped := fmt.Errorf("publish: %w", base)

	assert.Equal(t, StatusUnavailable, Status(wrapped))
	assert.True(t, Retryable(wrapped))
	assert.Equal(t, "publish: backend down", wrapped.Error())
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("x"), want: false},
		{name: "bad request", err: New(StatusBadRequest, "bad"), want: false},
		{name: "internal", err: New(StatusInternal, "oops"), want: true},
		{name: "wrapped ctx", err: Wrap(StatusUnavailable, context.DeadlineExceeded), want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Normalize(nil, StatusInternal))

	n := Normalize(errors.New("boom"), StatusInternal)
	assert.Equal(t, StatusInternal, n.Status)
	assert.Equal(t, "boom", n.Msg)

	w := Normalize(Wrap(StatusNotFound, errors.New("missing")), StatusInternal)
	assert.Equal(t, StatusNotFound, w.Status)
	assert.Equal(t, "missing", w.Msg)
	assert.True(t, errors.Is(Wrap(StatusTimeout, context.Canceled), context.Canceled))
}

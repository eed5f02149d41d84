package errors

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySentinel(t *testing.T) {
	err := New("call_tool", "github", ErrInvalidSessionID)
	code, ok := Classify(err)
	assert.True(t, ok)
	assert.Equal(t, CodeInvalidSessionID, code)
}

func TestClassifyContext(t *testing.T) {
	code, ok := Classify(context.DeadlineExceeded)
	assert.True(t, ok)
	assert.Equal(t, CodeOperationTimedOut, code)

	code, ok = Classify(context.Canceled)
	assert.True(t, ok)
	assert.Equal(t, CodeOperationCancelled, code)
}

func TestClassifyJoinedPicksFirstMatch(t *testing.T) {
	joined := stderrors.Join(New("call_tool", "github", ErrAuthentication), New("call_tool", "github", ErrHTTP))
	code, ok := Classify(joined)
	assert.True(t, ok)
	assert.Equal(t, CodeAuthenticationErr, code)
}

func TestStatusOf(t *testing.T) {
	err := NewHTTP("call_tool", "github", 401, nil)
	status, ok := StatusOf(err)
	assert.True(t, ok)
	assert.Equal(t, 401, status)
}

func TestOperationErrorUnwrap(t *testing.T) {
	err := New("ping", "github", ErrMCPConnection)
	assert.ErrorIs(t, err, ErrMCPConnection)
}

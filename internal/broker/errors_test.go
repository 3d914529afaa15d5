package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "code only",
			err:  &Error{Code: CodeQueueClosed},
			want: "QUEUE_CLOSED",
		},
		{
			name: "message and unit",
			err:  &Error{Code: CodeCancelled, Message: "withdrawn", Unit: "load"},
			want: "CANCELLED: withdrawn (unit=load)",
		},
		{
			name: "attempts and cause",
			err:  &Error{Code: CodeTransactionFailed, Message: "rolled back", Unit: "save", Attempts: 3, Err: errors.New("busy")},
			want: "TRANSACTION_FAILED: rolled back (unit=save, attempts=3): busy",
		},
		{
			name: "single attempt is not shown",
			err:  &Error{Code: CodeTimeout, Unit: "x", Attempts: 1},
			want: "TIMEOUT (unit=x)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("outer: %w", newError(CodeTimeout, "u", "late", cause))

	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsMisuse(err))
}

func TestTransient(t *testing.T) {
	assert.Nil(t, Transient(nil))

	err := Transient(errors.New("locked"))
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransactionFailed(err))

	wrapped := &Error{Code: CodeTransactionFailed, Err: err}
	assert.True(t, IsTransient(wrapped), "transient cause is visible through the wrapper")
	assert.True(t, IsTransactionFailed(wrapped))
}

func TestPredicates(t *testing.T) {
	preds := map[Code]func(error) bool{
		CodeConnection:        IsConnection,
		CodeTransactionFailed: IsTransactionFailed,
		CodeTransient:         IsTransient,
		CodeSchemaSetup:       IsSchemaSetup,
		CodeQueueClosed:       IsQueueClosed,
		CodeCancelled:         IsCancelled,
		CodeTimeout:           IsTimeout,
		CodeMisuse:            IsMisuse,
	}
	for code, is := range preds {
		t.Run(string(code), func(t *testing.T) {
			err := newError(code, "", "", nil)
			for other, otherIs := range preds {
				assert.Equal(t, other == code, otherIs(err), "%s matched as %s", code, other)
			}
			assert.False(t, is(errors.New("plain")))
		})
	}
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "error", outcome(errors.New("plain")))
	assert.Equal(t, "timeout", outcome(newError(CodeTimeout, "", "", nil)))
	assert.Equal(t, "transaction_failed", outcome(fmt.Errorf("wrapped: %w", newError(CodeTransactionFailed, "", "", nil))))
}

func TestProtect(t *testing.T) {
	assert.NoError(t, protect(func() error { return nil }))

	boom := errors.New("boom")
	assert.Same(t, boom, protect(func() error { return boom }))

	err := protect(func() error { panic("kaput") })
	assert.EqualError(t, err, "panic: kaput")
}

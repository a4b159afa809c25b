package check

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThatPassesWhenTrue(t *testing.T) {
	require.NotPanics(t, func() { That(true, "never") })
}

func TestThatPanicsWithViolation(t *testing.T) {
	defer func() {
		r := recover()
		v, ok := AsViolation(r)
		require.True(t, ok, "expected a Violation, got %#v", r)
		assert.Equal(t, "fd 3 < 0", v.Msg)
		assert.Contains(t, v.Caller, "check_test.go")
	}()
	That(false, "fd %d < 0", 3)
}

func TestNoErrorWrapsCause(t *testing.T) {
	cause := errors.New("close: EBADF")
	defer func() {
		v, ok := AsViolation(recover())
		require.True(t, ok)
		assert.ErrorIs(t, v, cause)
		assert.Contains(t, v.Error(), "close: EBADF")
	}()
	NoError(cause, "failed to close socket")
}

func TestAsViolationRejectsOtherPanics(t *testing.T) {
	_, ok := AsViolation("boom")
	assert.False(t, ok)
	_, ok = AsViolation(nil)
	assert.False(t, ok)
}

func TestCatch(t *testing.T) {
	assert.Nil(t, Catch(func() {}))

	v := Catch(func() { Failf("loop %q released out of order", "inner") })
	require.NotNil(t, v)
	assert.Equal(t, `loop "inner" released out of order`, v.Msg)

	assert.PanicsWithValue(t, "plain", func() {
		Catch(func() { panic("plain") })
	})
}

package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitError(t *testing.T) {
	cause := errors.New("connection refused")
	err := DBConnectError("connecting to database", cause)

	assert.Equal(t, ExitDBConnect, err.Code)
	assert.Equal(t, "connecting to database: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	var exitErr *ExitError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &exitErr))
	assert.Equal(t, ExitDBConnect, exitErr.Code)
}

func TestExitError_Constructors(t *testing.T) {
	assert.Equal(t, ExitConfig, ConfigError("x", nil).Code)
	assert.Equal(t, ExitFixture, FixtureError("x", nil).Code)
	assert.Equal(t, ExitGeneral, GeneralError("x", nil).Code)
	assert.Equal(t, ExitDenied, DeniedError("principal 1 lacks X").Code)
	assert.Equal(t, "principal 1 lacks X", DeniedError("principal 1 lacks X").Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ExitSuccess, CodeOf(nil))
	assert.Equal(t, ExitGeneral, CodeOf(errors.New("boom")))
	assert.Equal(t, ExitDenied, CodeOf(fmt.Errorf("check: %w", DeniedError("no"))))
	assert.Equal(t, ExitFixture, CodeOf(FixtureError("bad fixture", nil)))
}

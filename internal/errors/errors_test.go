package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := Persistencef("put tag %s", "abc")

	assert.True(t, Is(err, ErrPersistence))
	assert.False(t, Is(err, ErrConnection))
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(cause, CodePersistence, "insert tag")

	assert.Equal(t, "insert tag: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeSchema, CodeOf(Wrap(stderrors.New("syntax"), CodeSchema, "create table")))
	assert.Equal(t, CodeInternal, CodeOf(stderrors.New("plain")))

	wrapped := Join(stderrors.New("other"), Unsupportedf("create database"))
	assert.Equal(t, CodeUnsupported, CodeOf(wrapped))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unsupported", Unsupportedf("no ddl"), false},
		{"schema", Wrapf(stderrors.New("syntax"), CodeSchema, "create table %s", "tags"), false},
		{"validation", Validation("bad port"), false},
		{"persistence", Persistencef("timeout"), true},
		{"connection", Connection("refused"), true},
		{"plain", stderrors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCode_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, CodeValidation.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, CodePersistence.HTTPStatus())
	assert.Equal(t, http.StatusNotImplemented, CodeUnsupported.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CodeSchema.HTTPStatus())
}

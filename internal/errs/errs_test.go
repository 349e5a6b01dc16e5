package errs_test

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/smartobject/internal/errs"
)

func TestError_Is(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		is    []error
		isNot []error
	}{
		{
			name:  "type error is a validation error",
			err:   errs.New(errs.KindType, "validate", "bad"),
			is:    []error{errs.ErrType, errs.ErrValidation},
			isNot: []error{errs.ErrValue, errs.ErrNotFound},
		},
		{
			name: "value error is a validation error",
			err:  errs.New(errs.KindValue, "validate", "bad"),
			is:   []error{errs.ErrValue, errs.ErrValidation},
		},
		{
			name:  "file not found",
			err:   errs.FileNotFound("load", "u1", nil),
			is:    []error{errs.ErrNotFound, errs.ErrFileNotFound, fs.ErrNotExist},
			isNot: []error{errs.ErrLookupNotFound},
		},
		{
			name:  "lookup not found",
			err:   errs.LookupNotFound("load", "u1"),
			is:    []error{errs.ErrNotFound, errs.ErrLookupNotFound},
			isNot: []error{errs.ErrFileNotFound, fs.ErrNotExist},
		},
		{
			name: "wrapped in fmt",
			err:  fmt.Errorf("failed to load: %w", errs.New(errs.KindDefunct, "get", "gone")),
			is:   []error{errs.ErrDefunct},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, target := range tt.is {
				assert.True(t, errors.Is(tt.err, target), "expected match with %v", target)
			}
			for _, target := range tt.isNot {
				assert.False(t, errors.Is(tt.err, target), "unexpected match with %v", target)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	e := &errs.Error{
		Kind:     errs.KindType,
		Op:       "set",
		Msg:      "cannot convert value",
		Prop:     "age",
		Expected: "int",
		Got:      `"x" (str)`,
		Class:    "user",
		PK:       "7",
	}
	assert.Equal(t, `set: type error: cannot convert value prop="age" expected=int got="x" (str) class=user pk=7`, e.Error())

	wrapped := errs.Storage("save", "db", errors.New("disk full"))
	assert.Contains(t, wrapped.Error(), "disk full")
	assert.True(t, errors.Is(wrapped, errs.ErrStorage))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, errs.KindReadOnly, errs.KindOf(fmt.Errorf("x: %w", errs.New(errs.KindReadOnly, "set", ""))))
	assert.Equal(t, errs.KindUnknown, errs.KindOf(errors.New("plain")))
}

func TestWithContext(t *testing.T) {
	err := errs.WithContext(errs.LookupNotFound("load", ""), "user", "42")
	var e *errs.Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, "user", e.Class)
	assert.Equal(t, "42", e.PK)

	kept := errs.WithContext(errs.LookupNotFound("load", "7"), "user", "42")
	assert.True(t, errors.As(kept, &e))
	assert.Equal(t, "7", e.PK)

	plain := errors.New("plain")
	assert.Equal(t, plain, errs.WithContext(plain, "user", "1"))
}

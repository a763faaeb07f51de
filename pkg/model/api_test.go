package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListOptions_Clamp(t *testing.T) {
	tests := []struct {
		name       string
		input      ListOptions
		wantLimit  int
		wantOffset int
	}{
		{"defaults", ListOptions{Limit: 0, Offset: 0}, 20, 0},
		{"negative limit", ListOptions{Limit: -5, Offset: 0}, 20, 0},
		{"over max", ListOptions{Limit: 200, Offset: 0}, 100, 0},
		{"negative offset", ListOptions{Limit: 10, Offset: -3}, 10, 0},
		{"valid", ListOptions{Limit: 50, Offset: 10}, 50, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.Clamp()
			assert.Equal(t, tt.wantLimit, tt.input.Limit)
			assert.Equal(t, tt.wantOffset, tt.input.Offset)
		})
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("task", "12")
	assert.Equal(t, ErrNotFound, err.Code)
	assert.Equal(t, "NOT_FOUND: task '12' not found", err.Error())
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("invalid pipeline",
		FieldError{Field: "jobs[0].name", Message: "name is required"})
	assert.Equal(t, ErrValidation, err.Code)
	assert.Len(t, err.Details, 1)
	assert.Equal(t, "jobs[0].name: name is required", err.Details[0].String())
}

func TestNewConflictAndInternalError(t *testing.T) {
	assert.Equal(t, "CONFLICT: task 3 already finished", NewConflictError("task 3 already finished").Error())
	assert.Equal(t, ErrInternal, NewInternalError("disk full").Code)
}

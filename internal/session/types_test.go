package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusCreated, StatusActive},
		{StatusCreated, StatusCompleted},
		{StatusCreated, StatusCancelled},
		{StatusActive, StatusCompleted},
		{StatusActive, StatusCancelled},
		{StatusCreated, StatusArchived},
		{StatusActive, StatusArchived},
		{StatusCompleted, StatusArchived},
		{StatusCancelled, StatusArchived},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc[0], tc[1]), "%s -> %s should be allowed", tc[0], tc[1])
	}

	denied := [][2]Status{
		{StatusActive, StatusCreated},
		{StatusCompleted, StatusActive},
		{StatusCancelled, StatusActive},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusCompleted},
		{StatusArchived, StatusArchived},
		{StatusArchived, StatusActive},
		{StatusCreated, StatusCreated},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc[0], tc[1]), "%s -> %s should be denied", tc[0], tc[1])
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusCreated.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusArchived.Terminal())
}

package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	taskerrors "github.com/tasker-systems/tasker/internal/pkg/errors"
)

// TestAsQueuePermanent_ClassifiesQueuePermanentKind guards spec.md §4.4's
// "queue rejects permanently (size, acl)" path: failPermanently is only
// reachable when asQueuePermanent can actually recognize a backend's
// rejection as permanent rather than transient.
func TestAsQueuePermanent_ClassifiesQueuePermanentKind(t *testing.T) {
	permanent := taskerrors.QueuePermanent(errors.New("payload too large"))
	_, ok := asQueuePermanent(permanent)
	assert.True(t, ok)

	transient := taskerrors.QueueTransient(errors.New("connection reset"))
	_, ok = asQueuePermanent(transient)
	assert.False(t, ok)

	plain := errors.New("some other failure")
	_, ok = asQueuePermanent(plain)
	assert.False(t, ok)
}

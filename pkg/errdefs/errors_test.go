package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrappersMatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"connection", Connectionf("dial %s", "node-1"), ErrConnection},
		{"protocol", Protocolf("bad frame"), ErrProtocol},
		{"timeout", Timeoutf("request %s", "abc"), ErrTimeout},
		{"capacity", Capacityf("no nodes"), ErrCapacity},
		{"persistence", Persistencef("write failed"), ErrPersistence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.NotErrorIs(t, tt.err, errors.New("other"))
		})
	}
}

func TestWrappersSurviveFurtherWrapping(t *testing.T) {
	err := fmt.Errorf("routing task: %w", Capacityf("no nodes for %s", "task-1"))
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Contains(t, err.Error(), "task-1")
}

func TestRemoteError(t *testing.T) {
	var err error = &RemoteError{Code: -32601, Message: "method not found"}
	assert.Equal(t, "remote error -32601: method not found", err.Error())

	var remote *RemoteError
	assert.ErrorAs(t, fmt.Errorf("call failed: %w", err), &remote)
	assert.Equal(t, -32601, remote.Code)
}

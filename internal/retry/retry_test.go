package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRace = errors.New("race")

func fastPolicy() Policy {
	return Policy{
		InitialInterval: time.Millisecond,
		Retryable:       func(err error) bool { return errors.Is(err, errRace) },
	}
}

func TestDoRetriesConflicts(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errRace
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(), func() (string, error) {
		calls++
		return "", errRace
	})
	assert.ErrorIs(t, err, errRace)
	assert.Equal(t, DefaultAttempts, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(), func() (struct{}, error) {
		calls++
		return struct{}{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

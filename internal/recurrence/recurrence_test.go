package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDaily(t *testing.T) {
	completed := time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)

	next, err := Next("@every 24h", completed)
	require.NoError(t, err)
	require.Equal(t, completed.Add(24*time.Hour), next)
}

func TestNextCronExpression(t *testing.T) {
	// Every day at 08:00.
	after := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	next, err := Next("0 8 * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC), next)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("@hourly"))
	require.NoError(t, Validate("*/5 * * * *"))
	require.Error(t, Validate("every day at lunch"))
	require.Error(t, Validate(""))
}

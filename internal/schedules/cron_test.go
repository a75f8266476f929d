package schedules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("*/15 * * * *"))
	assert.NoError(t, ValidateCron("30 18 * * 1-5"))
	assert.Error(t, ValidateCron("not a cron"))
	assert.Error(t, ValidateCron("61 * * * *"))
}

func TestIsTriggeredExactMinute(t *testing.T) {
	// 18:30 every day, UTC.
	at := time.Date(2026, 8, 26, 18, 30, 42, 0, time.UTC)
	triggered, err := IsTriggered("30 18 * * *", "UTC", at)
	require.NoError(t, err)
	assert.True(t, triggered)

	triggered, err = IsTriggered("30 18 * * *", "UTC", at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, triggered)

	triggered, err = IsTriggered("30 18 * * *", "UTC", at.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestIsTriggeredTimezone(t *testing.T) {
	// 18:30 in New York is 22:30 UTC during daylight saving time.
	utc := time.Date(2026, 8, 26, 22, 30, 0, 0, time.UTC)
	triggered, err := IsTriggered("30 18 * * *", "America/New_York", utc)
	require.NoError(t, err)
	assert.True(t, triggered)

	triggered, err = IsTriggered("30 18 * * *", "America/New_York", time.Date(2026, 8, 26, 18, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestIsTriggeredEveryNMinutes(t *testing.T) {
	triggered, err := IsTriggered("*/15 * * * *", "UTC", time.Date(2026, 8, 26, 10, 45, 10, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, triggered)

	triggered, err = IsTriggered("*/15 * * * *", "UTC", time.Date(2026, 8, 26, 10, 46, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestIsTriggeredInvalidInput(t *testing.T) {
	_, err := IsTriggered("bogus", "UTC", time.Now())
	assert.Error(t, err)

	_, err = IsTriggered("* * * * *", "Not/AZone", time.Now())
	assert.Error(t, err)
}

func TestNextTrigger(t *testing.T) {
	from := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	next, err := NextTrigger("30 18 * * *", "America/New_York", from)
	require.NoError(t, err)
	// 18:30 New York (EDT, UTC-4) on the same day.
	assert.Equal(t, time.Date(2026, 8, 26, 22, 30, 0, 0, time.UTC), next)
}

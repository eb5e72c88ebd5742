package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSequence(t *testing.T) {
	b := Backoff{
		Initial: 1 * time.Second,
		Max:     60 * time.Second,
		Factor:  2.0,
		Jitter:  0,
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, b.Delay(i+1), "attempt %d", i+1)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{
		Initial: 1 * time.Second,
		Max:     60 * time.Second,
		Factor:  2.0,
		Jitter:  0.1,
	}

	ceiling := time.Duration(float64(b.Max) * (1 + b.Jitter))
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, b.Initial)
			assert.LessOrEqual(t, d, ceiling)
		}
	}
}

func TestBreakerOpenAndCooldown(t *testing.T) {
	b := NewBreaker(50 * time.Millisecond)

	assert.True(t, b.Allow())
	assert.False(t, b.IsOpen())

	b.Trip()
	assert.True(t, b.IsOpen())
	assert.False(t, b.Allow(), "open breaker refuses before cooldown")
	assert.False(t, b.OpenSince().IsZero())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.Allow(), "breaker admits one attempt after cooldown")
	assert.False(t, b.IsOpen(), "admitting an attempt resets the breaker")
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(time.Hour)
	b.Trip()
	require.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.True(t, b.Allow())
}

func TestCodecMetersSyncLag(t *testing.T) {
	c := &codec{}
	assert.Zero(t, c.SyncLagMs())

	msg, err := NewRequest("id-1", "task.execute", map[string]string{"content": "hello"})
	require.NoError(t, err)

	data, err := c.marshal(msg)
	require.NoError(t, err)
	back, err := c.unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "id-1", back.ID)

	assert.Greater(t, c.SyncLagMs(), 0.0)
}

func TestCodecRejectsMalformed(t *testing.T) {
	c := &codec{}
	_, err := c.unmarshal([]byte("{broken"))
	assert.Error(t, err)
}

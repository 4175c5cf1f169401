package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func tp(t time.Time) *time.Time { return &t }

func TestDelegationActiveAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(14 * 24 * time.Hour)
	d := Delegation{FromUserID: "u-1", ToUserID: "u-2", Start: tp(start), End: tp(end)}

	assert.False(t, d.ActiveAt(start.Add(-time.Second)))
	assert.True(t, d.ActiveAt(start), "window start is inclusive")
	assert.True(t, d.ActiveAt(start.Add(7*24*time.Hour)))
	assert.False(t, d.ActiveAt(end), "window end is exclusive")
	assert.False(t, d.ActiveAt(end.Add(time.Hour)))
}

func TestDelegationOpenEndedWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("nil start is already effective", func(t *testing.T) {
		d := Delegation{FromUserID: "u-1", ToUserID: "u-2", End: tp(now.Add(time.Hour))}
		assert.True(t, d.ActiveAt(now))
	})

	t.Run("nil end is until revoked", func(t *testing.T) {
		d := Delegation{FromUserID: "u-1", ToUserID: "u-2", Start: tp(now.Add(-time.Hour))}
		assert.True(t, d.ActiveAt(now.Add(1000 * time.Hour)))
	})

	t.Run("empty delegate never active", func(t *testing.T) {
		d := Delegation{FromUserID: "u-1"}
		assert.False(t, d.ActiveAt(now))
	})
}

func TestDelegationSetDelegateOf(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	set := DelegationSet{
		"u-active": {FromUserID: "u-active", ToUserID: "u-deputy", Start: tp(now.Add(-time.Hour)), End: tp(now.Add(time.Hour))},
		"u-lapsed": {FromUserID: "u-lapsed", ToUserID: "u-old", Start: tp(now.Add(-48 * time.Hour)), End: tp(now.Add(-24 * time.Hour))},
	}

	assert.Equal(t, "u-deputy", set.DelegateOf("u-active", now))
	assert.Equal(t, "u-lapsed", set.DelegateOf("u-lapsed", now), "expired window falls back to the user")
	assert.Equal(t, "u-unknown", set.DelegateOf("u-unknown", now))
}

package mqttsession

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCancellableTimer(t *testing.T) {
	t.Run("fires once", func(t *testing.T) {
		var timer cancellableTimer
		var fired atomic.Int32

		timer.Arm(10*time.Millisecond, func() { fired.Add(1) })
		assert.True(t, timer.Armed())

		assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.False(t, timer.Armed())

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(1), fired.Load())
	})

	t.Run("cancel prevents fire", func(t *testing.T) {
		var timer cancellableTimer
		var fired atomic.Int32

		timer.Arm(20*time.Millisecond, func() { fired.Add(1) })
		timer.Cancel()
		assert.False(t, timer.Armed())

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), fired.Load())
	})

	t.Run("rearm replaces pending fire", func(t *testing.T) {
		var timer cancellableTimer
		var first, second atomic.Int32

		timer.Arm(20*time.Millisecond, func() { first.Add(1) })
		timer.Arm(30*time.Millisecond, func() { second.Add(1) })

		assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(0), first.Load())
	})

	t.Run("cancel disarms", func(t *testing.T) {
		var timer cancellableTimer

		timer.Arm(time.Hour, func() {})
		assert.True(t, timer.Armed())

		timer.Cancel()
		assert.False(t, timer.Armed())
	})

	t.Run("cancel idle", func(t *testing.T) {
		var timer cancellableTimer
		assert.NotPanics(t, timer.Cancel)
		assert.False(t, timer.Armed())
	})
}

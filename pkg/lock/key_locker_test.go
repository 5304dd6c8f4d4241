package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithLockSerializesSameKey(t *testing.T) {
	l := NewKeyLocker()
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock("alice\x00file.txt", func() error {
				v := counter
				counter = v + 1
				return nil
			})
		}()
	}

	wg.Wait()
	require.Equal(t, 50, counter)
	require.Equal(t, 0, l.size(), "mutexes should be released once unused")
}

func TestReleaseUnknownKeyIsHarmless(t *testing.T) {
	l := NewKeyLocker()
	require.NotPanics(t, func() { l.ReleaseLock("nope") })
}

package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncMapUpdate(t *testing.T) {
	m := NewSyncMap[string, int]()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Update("n", func(v int, _ bool) (int, bool) { return v + 1, true })
		}()
	}
	wg.Wait()

	v, ok := m.Load("n")
	assert.True(t, ok)
	assert.Equal(t, 50, v)

	m.Update("n", func(int, bool) (int, bool) { return 0, false })
	_, ok = m.Load("n")
	assert.False(t, ok)
}

func TestSyncMapDeleteFunc(t *testing.T) {
	m := NewSyncMap[int, string]()
	for i := range 6 {
		m.Store(i, "v")
	}
	m.DeleteFunc(func(k int, _ string) bool { return k%2 == 0 })
	assert.Equal(t, 3, m.Len())
	_, ok := m.Load(2)
	assert.False(t, ok)
	_, ok = m.Load(3)
	assert.True(t, ok)
}

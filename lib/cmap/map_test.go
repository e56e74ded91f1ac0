package cmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMap_GetSet(t *testing.T) {
	m := NewMap[string, int]()

	_, exists := m.Get("a")
	require.False(t, exists)

	m.Set("a", 1)
	v, exists := m.Get("a")
	require.True(t, exists)
	require.Equal(t, 1, *v)
}

func TestMap_SetIfAbsent(t *testing.T) {
	m := NewMap[string, int]()

	v, stored := m.SetIfAbsent("a", 1)
	require.True(t, stored)
	require.Equal(t, 1, *v)

	v, stored = m.SetIfAbsent("a", 2)
	require.False(t, stored)
	require.Equal(t, 1, *v, "existing value wins")
}

func TestMap_SetIfAbsent_OneWinnerUnderContention(t *testing.T) {
	m := NewMap[string, int]()

	var wg sync.WaitGroup
	var wins int64
	var mu sync.Mutex

	for i := 0; i < 32; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, stored := m.SetIfAbsent("key", i); stored {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, wins)
}

func TestMap_DeleteAndLen(t *testing.T) {
	m := NewMap[string, int]()

	m.Set("a", 1)
	m.Set("b", 2)
	require.Equal(t, 2, m.Len())

	m.Delete("a")
	require.Equal(t, 1, m.Len())

	_, exists := m.Get("a")
	require.False(t, exists)
}

func TestMap_Range(t *testing.T) {
	m := NewMap[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)

	seen := map[string]int{}
	m.Range(func(k, v any) bool {
		seen[k.(string)] = v.(int)
		return true
	})

	require.Equal(t, map[string]int{"a": 1, "b": 2}, seen)
}

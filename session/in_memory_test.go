package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/medmesh/core"
)

func TestInMemoryStore_GetCreatesOnce(t *testing.T) {
	s := NewInMemoryStore()

	a, err := s.Get("s1")
	require.NoError(t, err)
	b, err := s.Get("s1")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, s.Len())

	_, err = s.Get("")
	assert.Error(t, err)
}

func TestInMemoryStore_ConcurrentGet(t *testing.T) {
	s := NewInMemoryStore()

	var wg sync.WaitGroup
	got := make([]*core.Session, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = s.Get("shared")
		}(i)
	}
	wg.Wait()

	for _, sess := range got {
		assert.Same(t, got[0], sess)
	}
}

func TestInMemoryStore_LookupAndDelete(t *testing.T) {
	s := NewInMemoryStore()

	_, ok := s.Lookup("s1")
	assert.False(t, ok)

	sess, err := s.Get("s1")
	require.NoError(t, err)
	task := core.NewTask("", "s1", "")
	sess.AddTask(task)

	found, ok := s.FindTask(task.ID())
	require.True(t, ok)
	assert.Same(t, task, found)

	require.NoError(t, s.Delete("s1"))
	_, ok = s.Lookup("s1")
	assert.False(t, ok)
	_, ok = s.FindTask(task.ID())
	assert.False(t, ok)

	assert.NoError(t, s.Delete("unknown"))
}

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/taskctx"
)

func newTask(id string) *taskctx.Context {
	return taskctx.New(context.Background(), id, "chat1", "do a thing", taskctx.Config{}, nil)
}

func TestRegister_MakesTaskRetrievableByID(t *testing.T) {
	r := New()
	task := newTask("t1")
	r.Register(task)

	got, ok := r.Get("t1")
	require.True(t, ok)
	require.Same(t, task, got)
}

func TestGet_UnknownIDReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Get("ghost")
	require.False(t, ok)
}

func TestUnregister_RemovesTask(t *testing.T) {
	r := New()
	r.Register(newTask("t1"))
	r.Unregister("t1")

	_, ok := r.Get("t1")
	require.False(t, ok)
}

func TestUnregister_UnknownIDIsANoop(t *testing.T) {
	r := New()
	require.NotPanics(t, func() { r.Unregister("ghost") })
}

func TestRegister_OverwritesExistingEntryWithSameID(t *testing.T) {
	r := New()
	first := newTask("t1")
	second := newTask("t1")
	r.Register(first)
	r.Register(second)

	got, ok := r.Get("t1")
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestTaskIDs_ReturnsSortedIDs(t *testing.T) {
	r := New()
	r.Register(newTask("t3"))
	r.Register(newTask("t1"))
	r.Register(newTask("t2"))

	require.Equal(t, []string{"t1", "t2", "t3"}, r.TaskIDs())
}

func TestRegister_IgnoresNilTask(t *testing.T) {
	r := New()
	require.NotPanics(t, func() { r.Register(nil) })
	require.Empty(t, r.TaskIDs())
}

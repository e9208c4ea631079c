package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	for _, c := range Categories() {
		parsed, err := ParseCategory(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}

	_, err := ParseCategory("gibberish")
	assert.Error(t, err)
}

func TestPriorityOrdering(t *testing.T) {
	assert.Less(t, int(PriorityCritical), int(PriorityHigh))
	assert.Less(t, int(PriorityHigh), int(PriorityNormal))
	assert.Less(t, int(PriorityNormal), int(PriorityLow))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, StatusBlocked.Terminal())
}

func TestNewTask(t *testing.T) {
	tk := New("fetch page", CategoryNetwork, PriorityNormal).
		WithArgs(map[string]string{"url": "https://example.com"}).
		WithDependencies("dep-1", "dep-2")

	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, CategoryNetwork, tk.Category)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(tk.Args))
	assert.Equal(t, StringSet{"dep-1", "dep-2"}, tk.Dependencies)
	assert.Zero(t, tk.Attempts)
}

func TestTaskOverdue(t *testing.T) {
	tk := New("slow thing", CategoryExec, PriorityLow)
	now := time.Now()
	assert.False(t, tk.Overdue(now))

	tk.WithDeadline(now.Add(-time.Minute))
	assert.True(t, tk.Overdue(now))

	tk.WithDeadline(now.Add(time.Minute))
	assert.False(t, tk.Overdue(now))
}

func TestStringSetRoundTrip(t *testing.T) {
	s := StringSet{"a", "b"}
	v, err := s.Value()
	require.NoError(t, err)

	var out StringSet
	require.NoError(t, out.Scan(v))
	assert.Equal(t, s, out)

	var empty StringSet
	v, err = empty.Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	require.NoError(t, out.Scan(nil))
	assert.Nil(t, out)
}

func TestHandlerMapValidate(t *testing.T) {
	noop := HandlerFunc(func(ctx context.Context, tk *Task) (*Result, error) {
		return &Result{TaskID: tk.ID}, nil
	})

	m := HandlerMap{CategoryNetwork: noop, CategoryExec: noop}
	require.NoError(t, m.Validate())

	h, ok := m.For(CategoryNetwork)
	require.True(t, ok)
	res, err := h.Execute(context.Background(), New("x", CategoryNetwork, PriorityNormal))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TaskID)

	_, ok = m.For(CategoryBrowser)
	assert.False(t, ok)

	bad := HandlerMap{Category("nope"): noop}
	assert.Error(t, bad.Validate())

	nilHandler := HandlerMap{CategoryStore: nil}
	assert.Error(t, nilHandler.Validate())
}

package navigation

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outline() []model.Section {
	return []model.Section{
		{ID: "s-quiz", Type: model.SectionTypeQuiz, Questions: []model.Question{{ID: "q1"}, {ID: "q2"}}},
		{ID: "s-code", Type: model.SectionTypeCoding, Questions: []model.Question{{ID: "c1"}}},
	}
}

type changes struct {
	mu  sync.Mutex
	pos []Position
}

func (c *changes) add(p Position) {
	c.mu.Lock()
	c.pos = append(c.pos, p)
	c.mu.Unlock()
}

func newController(t *testing.T) (*Controller, *model.ResponseMap, *changes) {
	t.Helper()
	rm := model.NewResponseMap()
	ch := &changes{}
	c := New(outline(), rm, clockwork.NewFakeClock(), ch.add, zerolog.Nop())
	t.Cleanup(c.Close)
	return c, rm, ch
}

func waitIndex(t *testing.T, c *Controller, idx int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Position().Index == idx }, time.Second, time.Millisecond)
}

func TestOutlineIsFlattened(t *testing.T) {
	c, _, _ := newController(t)

	assert.Equal(t, 3, c.TotalQuestions())
	pos := c.Position()
	assert.True(t, pos.IsFirst)
	assert.Equal(t, "q1", pos.QuestionID)
	assert.False(t, c.IsLastQuestion())
}

func TestNextCrossesSections(t *testing.T) {
	c, _, ch := newController(t)

	c.Next()
	waitIndex(t, c, 1)
	c.Next()
	waitIndex(t, c, 2)

	pos := c.Position()
	assert.Equal(t, "s-code", pos.SectionID)
	assert.Equal(t, model.SectionTypeCoding, pos.SectionType)
	assert.Equal(t, 0, pos.QuestionIndex)
	assert.True(t, c.IsLastQuestion())
	assert.NotEmpty(t, ch.pos)
}

func TestEdgesAreNoops(t *testing.T) {
	c, _, ch := newController(t)

	c.Previous()
	assert.Never(t, func() bool { return c.Position().Index != 0 }, 30*time.Millisecond, time.Millisecond)

	for i := 0; i < 10; i++ {
		c.Next()
	}
	waitIndex(t, c, 2)
	c.Next()
	c.Previous()
	waitIndex(t, c, 1)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, p := range ch.pos {
		assert.GreaterOrEqual(t, p.Index, 0)
		assert.Less(t, p.Index, 3)
	}
}

func TestNavigationDoesNotBlock(t *testing.T) {
	rm := model.NewResponseMap()
	release := make(chan struct{})
	c := New(outline(), rm, clockwork.NewFakeClock(), func(Position) { <-release }, zerolog.Nop())
	defer c.Close()
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			c.Next()
			c.Previous()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Next/Previous blocked on a slow listener")
	}
}

func TestSetAnswer(t *testing.T) {
	c, rm, _ := newController(t)

	require.NoError(t, c.SetAnswer(model.SectionTypeQuiz, "q2", json.RawMessage(`"B"`)))
	a, ok := rm.Get(model.SectionTypeQuiz, "q2")
	require.True(t, ok)
	assert.JSONEq(t, `"B"`, string(a.Value))

	err := c.SetAnswer(model.SectionTypeCoding, "q2", json.RawMessage(`"x"`))
	assert.ErrorIs(t, err, ErrUnknownQuestion)
	assert.Equal(t, 1, rm.Len())
}

func TestEmptyOutline(t *testing.T) {
	c := New(nil, model.NewResponseMap(), clockwork.NewFakeClock(), nil, zerolog.Nop())
	defer c.Close()

	c.Next()
	c.Previous()
	assert.Zero(t, c.TotalQuestions())
	assert.True(t, c.IsLastQuestion())
}

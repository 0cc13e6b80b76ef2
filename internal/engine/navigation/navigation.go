// Package navigation moves the candidate through the flattened question outline
// without blocking the caller.
package navigation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrUnknownQuestion is returned when an answer targets a question outside the outline.
var ErrUnknownQuestion = errors.New("question not in assessment outline")

// Position is where the candidate currently is.
type Position struct {
	Index         int               `json:"index"`
	Total         int               `json:"total"`
	SectionIndex  int               `json:"section_index"`
	QuestionIndex int               `json:"question_index"`
	SectionID     string            `json:"section_id"`
	SectionType   model.SectionType `json:"section_type"`
	QuestionID    string            `json:"question_id"`
	IsFirst       bool              `json:"is_first"`
	IsLast        bool              `json:"is_last"`
}

type entry struct {
	sectionIndex  int
	questionIndex int
	section       *model.Section
	questionID    string
}

// Controller owns the current question index. Previous and Next only queue the
// move; a background worker applies queued moves in order and reports each
// settled position through onChange.
type Controller struct {
	outline   []entry
	responses *model.ResponseMap
	clk       clockwork.Clock
	onChange  func(Position)
	log       zerolog.Logger

	mu      sync.Mutex
	cur     int
	pending []int

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New flattens sections into an outline and starts the move worker.
func New(sections []model.Section, responses *model.ResponseMap, clk clockwork.Clock, onChange func(Position), log zerolog.Logger) *Controller {
	c := &Controller{
		responses: responses,
		clk:       clk,
		onChange:  onChange,
		log:       log.With().Str("component", "navigation").Logger(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for si := range sections {
		s := &sections[si]
		for qi, q := range s.Questions {
			c.outline = append(c.outline, entry{sectionIndex: si, questionIndex: qi, section: s, questionID: q.ID})
		}
	}

	c.wg.Add(1)
	go c.worker()
	return c
}

// Next queues a move forward. At the last question it is a no-op.
func (c *Controller) Next() { c.enqueue(1) }

// Previous queues a move back. At the first question it is a no-op.
func (c *Controller) Previous() { c.enqueue(-1) }

func (c *Controller) enqueue(step int) {
	c.mu.Lock()
	c.pending = append(c.pending, step)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			c.apply()
		}
	}
}

// apply drains the queue. Moves are applied one by one so edges stay no-ops,
// and only the final position is reported.
func (c *Controller) apply() {
	c.mu.Lock()
	steps := c.pending
	c.pending = nil
	before := c.cur
	for _, step := range steps {
		next := c.cur + step
		if next < 0 || next >= len(c.outline) {
			continue
		}
		c.cur = next
	}
	moved := c.cur != before
	pos := c.positionLocked()
	c.mu.Unlock()

	if moved && c.onChange != nil {
		c.onChange(pos)
	}
}

// Position returns the settled position.
func (c *Controller) Position() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

func (c *Controller) positionLocked() Position {
	total := len(c.outline)
	if total == 0 {
		return Position{IsFirst: true, IsLast: true}
	}
	e := c.outline[c.cur]
	return Position{
		Index:         c.cur,
		Total:         total,
		SectionIndex:  e.sectionIndex,
		QuestionIndex: e.questionIndex,
		SectionID:     e.section.ID,
		SectionType:   e.section.Type,
		QuestionID:    e.questionID,
		IsFirst:       c.cur == 0,
		IsLast:        c.cur == total-1,
	}
}

// IsLastQuestion reports whether the settled position is the last question.
func (c *Controller) IsLastQuestion() bool {
	return c.Position().IsLast
}

// TotalQuestions returns the number of questions across all sections.
func (c *Controller) TotalQuestions() int {
	return len(c.outline)
}

// SetAnswer stores an answer for a question of the given section type.
func (c *Controller) SetAnswer(section model.SectionType, questionID string, value json.RawMessage) error {
	if !c.has(section, questionID) {
		return fmt.Errorf("%w: %s/%s", ErrUnknownQuestion, section, questionID)
	}
	c.responses.Set(section, questionID, value, c.clk.Now())
	return nil
}

// HasQuestion reports whether the outline contains the question under section.
func (c *Controller) HasQuestion(section model.SectionType, questionID string) bool {
	return c.has(section, questionID)
}

func (c *Controller) has(section model.SectionType, questionID string) bool {
	for _, e := range c.outline {
		if e.section.Type == section && e.questionID == questionID {
			return true
		}
	}
	return false
}

// Close stops the worker. Queued moves that were not applied are dropped.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

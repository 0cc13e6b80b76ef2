package worker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeProgressRequiresAttempt(t *testing.T) {
	_, err := decodeProgress(`{"responses":{}}`)
	assert.Error(t, err)

	_, err = decodeProgress(`not json`)
	assert.Error(t, err)

	id := uuid.New()
	p, err := decodeProgress(`{"attempt_id":"` + id.String() + `","session_end":true}`)
	require.NoError(t, err)
	assert.Equal(t, id, p.AttemptID)
	assert.True(t, p.SessionEnd)
}

func TestViolationRowMatchesColumns(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	r := &model.ViolationReport{
		AttemptID: uuid.New(),
		StudentID: 7,
		Event:     model.ViolationEvent{ID: "e1", Category: model.ViolationDevTools, Timestamp: at, Detail: "F12"},
		Metadata:  model.ProctoringMetadata{TotalViolationCount: 3},
	}

	row := violationRow(r)
	require.Len(t, row, len(violationColumns))
	assert.Equal(t, "devtools_attempt", row[3])
	assert.Equal(t, 3, row[5])
	assert.Equal(t, at, row[6])
}

func TestBuildSubmissionColumnsPrefersEndedAt(t *testing.T) {
	saved := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ended := saved.Add(-time.Second)

	withEnd := &model.ProgressPayload{AttemptID: uuid.New(), Reason: model.ReasonTimeUp, SavedAt: saved}
	withEnd.Metadata.Transcript.Metadata.Timing.EndedAt = &ended
	withEnd.Metadata.Transcript.Logs = []model.ViolationEvent{{ID: "e1", Category: model.ViolationTabSwitch}}

	withoutEnd := &model.ProgressPayload{AttemptID: uuid.New(), Reason: model.ReasonUser, SavedAt: saved}

	cols, err := buildSubmissionColumns([]*model.ProgressPayload{withEnd, withoutEnd})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{withEnd.AttemptID, withoutEnd.AttemptID}, cols.ids)
	assert.Equal(t, []time.Time{ended, saved}, cols.finishedAts)
	assert.Equal(t, []string{"time_up", "user"}, cols.reasons)

	var transcript model.Transcript
	require.NoError(t, json.Unmarshal([]byte(cols.transcripts[0]), &transcript))
	require.Len(t, transcript.Logs, 1)
	assert.Equal(t, model.ViolationTabSwitch, transcript.Logs[0].Category)
}

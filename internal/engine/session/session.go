// Package session composes the clock, integrity monitor, fullscreen machine,
// violation ledger, autosave, navigation and media manager into one attempt
// lifecycle that submits exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/engine/autosave"
	"github.com/stemsi/exstem-proctor/internal/engine/clock"
	"github.com/stemsi/exstem-proctor/internal/engine/fullscreen"
	"github.com/stemsi/exstem-proctor/internal/engine/integrity"
	"github.com/stemsi/exstem-proctor/internal/engine/ledger"
	"github.com/stemsi/exstem-proctor/internal/engine/media"
	"github.com/stemsi/exstem-proctor/internal/engine/navigation"
	"github.com/stemsi/exstem-proctor/internal/engine/remote"
	"github.com/stemsi/exstem-proctor/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrSessionClosed is returned by Post once the session loop has exited.
var ErrSessionClosed = errors.New("session closed")

const checkpointTimeout = 3 * time.Second

var tracer = otel.Tracer("github.com/stemsi/exstem-proctor/internal/engine/session")

// Backend is the persistence side of a session.
type Backend interface {
	autosave.Writer
	autosave.DraftCache
	Submit(ctx context.Context, p model.ProgressPayload) error
	RecordViolation(ctx context.Context, r model.ViolationReport) error
}

// Config tunes every component of a session.
type Config struct {
	TickInterval       time.Duration
	MaxViolations      int
	DuplicateWindow    time.Duration
	TimelineCap        int
	NoticeCooldown     time.Duration
	Autosave           autosave.Config
	MediaSweepDelay    time.Duration
	MediaSweepRetry    time.Duration
	AllowedMediaRoutes []string
	SubmitTimeout      time.Duration
	ReportTimeout      time.Duration
	// StartTimeout evicts a session whose browser never sent start.
	// Zero keeps it until shutdown.
	StartTimeout time.Duration
}

// ConfigFromEngine maps the service configuration onto a session Config.
func ConfigFromEngine(e config.Engine) Config {
	return Config{
		TickInterval:       time.Second,
		MaxViolations:      e.MaxViolations,
		DuplicateWindow:    e.ViolationCooldown,
		TimelineCap:        e.TimelineCap,
		NoticeCooldown:     e.NoticeCooldown,
		Autosave:           autosave.Config{Interval: e.AutosaveInterval, InitialDelay: e.AutosaveInitialDelay},
		MediaSweepDelay:    e.MediaSweepDelay,
		MediaSweepRetry:    e.MediaSweepRetryDelay,
		AllowedMediaRoutes: e.AllowedMediaRoutes,
		SubmitTimeout:      e.SubmitTimeout,
		ReportTimeout:      5 * time.Second,
		StartTimeout:       e.StartTimeout,
	}
}

// Params identifies the attempt an Orchestrator runs.
type Params struct {
	AttemptID        uuid.UUID
	StudentID        int
	StartedAt        time.Time
	RemainingSeconds int
	Assessment       *model.Assessment
}

// Orchestrator is the state machine of one attempt. All state changes happen
// on the goroutine running Run; other goroutines only Post events.
type Orchestrator struct {
	params  Params
	cfg     Config
	clk     clockwork.Clock
	backend Backend
	log     zerolog.Logger

	client    *remote.Client
	responses *model.ResponseMap
	clock     *clock.Clock
	ticker    *clock.Runner
	ledger    *ledger.Ledger
	monitor   *integrity.Monitor
	nav       *navigation.Controller
	autosave  *autosave.Reconciler
	mirror    *media.Mirror
	media     *media.Manager
	guard     *media.Guard
	screen    *fullscreen.Machine

	// ctx outlives the connection; cancelled when the registry shuts down.
	ctx         context.Context
	inbox       chan Event
	closed      chan struct{}
	closeOnce   sync.Once
	forceSubmit bool
	onTerminate func(*Orchestrator)

	mu          sync.Mutex
	state       model.SessionState
	reason      model.SubmitReason
	finishedAt  *time.Time
	submitErr   error
	hidden      bool
	hiddenSince time.Time
	hiddenSecs  int
	hiddenCount int
}

// New builds a session in Initializing. ctx bounds background writes.
func New(ctx context.Context, p Params, backend Backend, cfg Config, clk clockwork.Clock, log zerolog.Logger) (*Orchestrator, error) {
	if p.Assessment == nil {
		return nil, errors.New("assessment is required")
	}

	o := &Orchestrator{
		params:    p,
		cfg:       cfg,
		clk:       clk,
		backend:   backend,
		ctx:       ctx,
		inbox:     make(chan Event, 64),
		closed:    make(chan struct{}),
		responses: model.NewResponseMap(),
		state:     model.SessionInitializing,
		log: log.With().
			Str("component", "session").
			Str("attempt_id", p.AttemptID.String()).
			Str("slug", p.Assessment.Slug).
			Int("student_id", p.StudentID).
			Logger(),
	}

	o.client = remote.NewClient(o.log)
	o.clock = clock.New(p.RemainingSeconds, func() { o.beginSubmit(model.ReasonTimeUp) })
	o.ticker = clock.NewRunner(clk, cfg.TickInterval, func() { o.Post(Tick{}) })
	o.ticker.OnPanic = func(v any) {
		o.log.Error().Interface("panic", v).Msg("Session ticker panicked")
	}

	maxViolations := cfg.MaxViolations
	if p.Assessment.MaxViolations > 0 {
		maxViolations = p.Assessment.MaxViolations
	}
	o.ledger = ledger.New(clk, ledger.Config{
		MaxViolations:   maxViolations,
		DuplicateWindow: cfg.DuplicateWindow,
		TimelineCap:     cfg.TimelineCap,
	}, func(model.ProctoringMetadata) { o.forceSubmit = true })

	o.monitor = integrity.NewMonitor(o.client, clk, cfg.NoticeCooldown, integrity.Callbacks{
		OnViolation:  o.recordViolation,
		OnVisibility: o.onVisibility,
		OnNotice:     o.client.Notice,
	}, o.log)

	o.nav = navigation.New(p.Assessment.Sections, o.responses, clk, o.client.Position, o.log)
	o.autosave = autosave.New(p.AttemptID, o, backend, backend, clk, cfg.Autosave, o.log)

	o.mirror = media.NewMirror(o.client.MediaDirective, media.NewStreams())
	o.media = media.NewManager(o.mirror, o.mirror.Capture(), nil, o.log)
	guard, err := media.NewGuard(o.media, clk, cfg.AllowedMediaRoutes, cfg.MediaSweepDelay, cfg.MediaSweepRetry, o.log)
	if err != nil {
		return nil, fmt.Errorf("media guard: %w", err)
	}
	o.guard = guard

	return o, nil
}

// Restore seeds answers, counters and timing from the last persisted progress.
// It must be called before Run.
func (o *Orchestrator) Restore(p *model.ProgressPayload) {
	if p == nil {
		return
	}
	o.responses.Restore(p.Responses, p.SavedAt)
	o.ledger.Restore(p.Metadata.Transcript.Metadata.Proctoring, p.Metadata.Transcript.Logs)

	timing := p.Metadata.Transcript.Metadata.Timing
	o.mu.Lock()
	o.hiddenSecs = timing.HiddenSeconds
	o.hiddenCount = timing.HiddenCount
	o.mu.Unlock()
}

// ─── accessors ──────────────────────────────────────────────────────

// Client returns the browser bridge, used to attach a connection.
func (o *Orchestrator) Client() *remote.Client { return o.client }

// AttemptID returns the attempt id.
func (o *Orchestrator) AttemptID() uuid.UUID { return o.params.AttemptID }

// Assessment returns the assessment being taken.
func (o *Orchestrator) Assessment() *model.Assessment { return o.params.Assessment }

// State returns the lifecycle state.
func (o *Orchestrator) State() model.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Reason returns why the session is submitting, if it is.
func (o *Orchestrator) Reason() model.SubmitReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// SubmitErr returns the terminal submit error, if any.
func (o *Orchestrator) SubmitErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.submitErr
}

// Metadata returns the current violation counters.
func (o *Orchestrator) Metadata() model.ProctoringMetadata { return o.ledger.CurrentCounts() }

// Remaining returns the remaining seconds on the clock.
func (o *Orchestrator) Remaining() int { return o.clock.Remaining() }

// AutosaveRunning reports whether autosave is ticking.
func (o *Orchestrator) AutosaveRunning() bool { return o.autosave.Running() }

// MonitorEnabled reports whether the integrity monitor is installed.
func (o *Orchestrator) MonitorEnabled() bool { return o.monitor.Enabled() }

// AcceptsDraft reports whether questionID is a coding question of this assessment.
func (o *Orchestrator) AcceptsDraft(questionID string) bool {
	return o.nav.HasQuestion(model.SectionTypeCoding, questionID)
}

// Session returns the public view of the attempt.
func (o *Orchestrator) Session() model.AssessmentSession {
	remaining := o.clock.Remaining()
	o.mu.Lock()
	defer o.mu.Unlock()
	return model.AssessmentSession{
		AttemptID:        o.params.AttemptID,
		Slug:             o.params.Assessment.Slug,
		StudentID:        o.params.StudentID,
		StartedAt:        o.params.StartedAt,
		DurationSeconds:  o.params.Assessment.DurationSeconds,
		RemainingSeconds: remaining,
		State:            o.state,
		Reason:           o.reason,
		FinishedAt:       o.finishedAt,
	}
}

// Done is closed once the session loop has exited.
func (o *Orchestrator) Done() <-chan struct{} { return o.closed }

// ─── event loop ─────────────────────────────────────────────────────

// Post queues an event. It blocks while the inbox is full and fails once the
// loop has exited.
func (o *Orchestrator) Post(ev Event) error {
	select {
	case <-o.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case o.inbox <- ev:
		return nil
	case <-o.closed:
		return ErrSessionClosed
	}
}

// Run applies events until the session terminates or ctx is cancelled.
// A cancelled loop still waits for a submit that is already in flight.
func (o *Orchestrator) Run(ctx context.Context) {
	defer o.shutdown()

	var startDeadline <-chan time.Time
	if o.cfg.StartTimeout > 0 {
		startDeadline = o.clk.After(o.cfg.StartTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			if o.submitting() {
				o.awaitSubmit()
				return
			}
			o.log.Info().Msg("Session loop stopped before termination")
			o.checkpoint()
			return
		case <-startDeadline:
			if o.State() == model.SessionInitializing {
				o.log.Info().Dur("timeout", o.cfg.StartTimeout).Msg("Session never started, evicting")
				return
			}
		case ev := <-o.inbox:
			o.Apply(ev)
			if o.State() == model.SessionTerminated {
				return
			}
		}
	}
}

func (o *Orchestrator) submitting() bool {
	switch o.State() {
	case model.SessionUserSubmitting, model.SessionForcedSubmitting:
		return true
	}
	return false
}

// awaitSubmit applies the result of the in-flight submit. finalize is bounded
// by SubmitTimeout; the extra second covers the hand-off through the inbox.
func (o *Orchestrator) awaitSubmit() {
	o.log.Info().Str("reason", string(o.Reason())).Msg("Waiting for in-flight submit before stopping")
	deadline := o.clk.After(o.cfg.SubmitTimeout + time.Second)
	for {
		select {
		case ev := <-o.inbox:
			if res, ok := ev.(submitResult); ok {
				o.Apply(res)
				return
			}
		case <-deadline:
			o.log.Error().Msg("Submit did not finish before shutdown")
			return
		}
	}
}

// checkpoint writes a non-final progress payload so the attempt resumes
// where it stopped after a server restart.
func (o *Orchestrator) checkpoint() {
	if o.State() != model.SessionRunning {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := o.backend.SaveProgress(ctx, o.Envelope(o.Snapshot(), false)); err != nil {
		o.log.Error().Err(err).Msg("Shutdown checkpoint failed")
	}
}

// shutdown releases timers and goroutines owned by the session.
func (o *Orchestrator) shutdown() {
	o.closeOnce.Do(func() {
		close(o.closed)
		o.ticker.Stop()
		o.autosave.Stop()
		o.monitor.Disable()
		o.guard.Close()
		o.nav.Close()
	})
}

// Apply is the transition function. It is only called from the loop, or
// directly in tests that drive the session without Run.
func (o *Orchestrator) Apply(ev Event) {
	state := o.State()
	if state == model.SessionTerminated {
		return
	}
	running := state == model.SessionRunning

	switch e := ev.(type) {
	case Start:
		if state == model.SessionInitializing {
			o.start(e)
		} else {
			o.client.State(o.view())
		}

	case Tick:
		o.clock.Tick()
		if o.State() == model.SessionRunning {
			o.client.Clock(o.clock.Remaining())
		}

	case DOM:
		prevented := o.client.Dispatch(e.Target, &e.Event)
		o.client.DOMResult(e.Seq, prevented)

	case FaceSample:
		if state == model.SessionInitializing {
			return
		}
		if category, ok := e.Sample.Violation(); ok {
			o.recordViolation(category, fmt.Sprintf("face_count=%d", e.Sample.FaceCount))
		}

	case FullscreenChange:
		if o.screen != nil {
			o.screen.HandleChange(e.Elements)
		}

	case FullscreenReenter:
		if o.screen != nil && running {
			o.screen.Reenter(o.ctx)
		}

	case FullscreenDenied:
		o.log.Warn().Str("message", e.Message).Msg("Fullscreen request denied")
		if o.screen != nil && o.screen.State() == fullscreen.ExitedFullscreen {
			o.client.FullscreenWarning(true)
		}

	case Answer:
		if !running {
			o.client.Error("answers are closed")
			return
		}
		if err := o.nav.SetAnswer(e.Section, e.QuestionID, e.Value); err != nil {
			o.client.Error(err.Error())
			return
		}
		o.client.AnswerSaved(e.Section, e.QuestionID)

	case Navigate:
		if e.Forward {
			o.nav.Next()
		} else {
			o.nav.Previous()
		}

	case RouteChange:
		o.guard.OnRouteChange(e.Route)

	case MediaState:
		o.mirror.Update(e.Report)

	case SubmitRequest:
		o.beginSubmit(model.ReasonUser)

	case Resync:
		o.client.State(o.view())

	case submitResult:
		o.terminate(e.err)
	}
}

// ─── transitions ────────────────────────────────────────────────────

func (o *Orchestrator) setState(s model.SessionState, reason model.SubmitReason) {
	o.mu.Lock()
	o.state = s
	if reason != model.ReasonNone {
		o.reason = reason
	}
	o.mu.Unlock()
}

func (o *Orchestrator) start(e Start) {
	o.screen = fullscreen.New(e.Fullscreen, o.client, func() bool {
		return o.State() != model.SessionRunning
	}, o.onFullscreenChange, o.log)
	o.guard.OnRouteChange(e.Route)

	o.setState(model.SessionRunning, model.ReasonNone)
	o.clock.Start()
	o.ticker.Start()
	o.monitor.Enable()
	o.autosave.Start(o.ctx)

	o.log.Info().Int("remaining_seconds", o.clock.Remaining()).Msg("Session running")
	o.client.State(o.view())
	if o.screen.State() == fullscreen.ExitedFullscreen {
		o.client.FullscreenWarning(true)
	}

	switch {
	case o.clock.Remaining() == 0:
		o.beginSubmit(model.ReasonTimeUp)
	case o.ledger.ThresholdReached():
		o.beginSubmit(model.ReasonViolations)
	}
}

// beginSubmit leaves Running. Only the first caller wins; later signals find
// the session already submitting and return.
func (o *Orchestrator) beginSubmit(reason model.SubmitReason) {
	if o.State() != model.SessionRunning {
		return
	}

	next := model.SessionForcedSubmitting
	if reason == model.ReasonUser {
		next = model.SessionUserSubmitting
	}
	o.setState(next, reason)

	o.clock.Pause()
	o.ticker.Stop()
	o.monitor.Disable()
	o.autosave.Stop()

	if next == model.SessionForcedSubmitting {
		o.client.ForcedSubmit(reason)
	}
	o.log.Info().Str("reason", string(reason)).Str("state", string(next)).Msg("Submitting session")

	go o.finalize(reason)
}

// finalize writes the session-end save, then the terminal submit, and reports
// back through the inbox. Both write the cached snapshot, so the submit goes
// last. Shutdown does not cancel it; SubmitTimeout bounds it.
func (o *Orchestrator) finalize(reason model.SubmitReason) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), o.cfg.SubmitTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "session.submit")
	span.SetAttributes(
		attribute.String("attempt_id", o.params.AttemptID.String()),
		attribute.String("reason", string(reason)),
	)
	defer span.End()

	saveCtx, saveCancel := context.WithTimeout(ctx, o.cfg.ReportTimeout)
	if err := o.autosave.SaveFinal(saveCtx); err != nil {
		o.log.Debug().Err(err).Msg("Session-end save failed")
	}
	saveCancel()

	p := o.Envelope(o.autosave.Snapshot(ctx), true)
	p.SubmissionConfirmed = true
	err := o.backend.Submit(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
	}
	if postErr := o.Post(submitResult{err: err}); postErr != nil {
		o.log.Warn().Err(postErr).Msg("Submit finished after session loop exited")
	}
}

// terminate is the single exit. A failed submit still terminates.
func (o *Orchestrator) terminate(err error) {
	now := o.clk.Now()
	o.mu.Lock()
	o.state = model.SessionTerminated
	o.finishedAt = &now
	o.submitErr = err
	reason := o.reason
	o.mu.Unlock()

	o.guard.Close()
	o.media.StopAllMediaTracks()

	if err != nil {
		o.log.Error().Err(err).Msg("Final submit failed")
		o.client.SubmitFailed(err)
	} else {
		o.log.Info().Str("reason", string(reason)).Msg("Session submitted")
		o.client.Submitted(reason)
	}

	if o.onTerminate != nil {
		o.onTerminate(o)
	}
}

// ─── component callbacks (loop goroutine) ───────────────────────────

// recordViolation keeps counting while submitting; the ledger signals the
// threshold once and beginSubmit ignores repeats.
func (o *Orchestrator) recordViolation(category model.ViolationCategory, detail string) {
	switch o.State() {
	case model.SessionInitializing, model.SessionTerminated:
		return
	}
	ev, ok := o.ledger.RecordViolation(category, detail)
	if !ok {
		return
	}
	meta := o.ledger.CurrentCounts()
	o.client.ViolationWarning(ev, meta)

	o.log.Warn().
		Str("category", string(category)).
		Int("total", meta.TotalViolationCount).
		Msg("Violation recorded")

	report := model.ViolationReport{
		AttemptID: o.params.AttemptID,
		Slug:      o.params.Assessment.Slug,
		StudentID: o.params.StudentID,
		Event:     ev,
		Metadata:  meta,
	}
	go func() {
		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.ReportTimeout)
		defer cancel()
		if err := o.backend.RecordViolation(ctx, report); err != nil {
			o.log.Warn().Err(err).Msg("Failed to report violation")
		}
	}()

	if o.forceSubmit {
		o.beginSubmit(model.ReasonViolations)
	}
}

func (o *Orchestrator) onVisibility(hidden bool) {
	now := o.clk.Now()

	o.mu.Lock()
	switch {
	case hidden && !o.hidden:
		o.hidden = true
		o.hiddenSince = now
		o.hiddenCount++
	case !hidden && o.hidden:
		o.hidden = false
		o.hiddenSecs += int(now.Sub(o.hiddenSince) / time.Second)
	}
	o.mu.Unlock()

	if hidden {
		o.recordViolation(model.ViolationTabSwitch, "document hidden")
		o.autosave.Trigger()
	}
}

func (o *Orchestrator) onFullscreenChange(from, to fullscreen.State) {
	switch to {
	case fullscreen.ExitedFullscreen:
		o.client.FullscreenWarning(true)
		o.recordViolation(model.ViolationFullscreenExit, "")
	case fullscreen.InFullscreen:
		o.client.FullscreenWarning(false)
	}
}

// ─── autosave.Source ────────────────────────────────────────────────

// Snapshot implements autosave.Source.
func (o *Orchestrator) Snapshot() model.AutosaveSnapshot {
	return model.AutosaveSnapshot{
		Responses:            o.responses.Snapshot(),
		Metadata:             o.ledger.CurrentCounts(),
		TotalDurationSeconds: o.params.Assessment.DurationSeconds,
	}
}

// AnsweredAt implements autosave.Source.
func (o *Orchestrator) AnsweredAt(section model.SectionType, questionID string) (time.Time, bool) {
	a, ok := o.responses.Get(section, questionID)
	return a.UpdatedAt, ok
}

// Envelope implements autosave.Source. The transcript duration is the elapsed
// time, not the allotted one.
func (o *Orchestrator) Envelope(snap model.AutosaveSnapshot, sessionEnd bool) model.ProgressPayload {
	now := o.clk.Now()
	remaining := o.clock.Remaining()

	o.mu.Lock()
	timing := model.Timing{
		StartedAt:        o.params.StartedAt,
		RemainingSeconds: remaining,
		HiddenSeconds:    o.hiddenSecs,
		HiddenCount:      o.hiddenCount,
	}
	if o.hidden {
		timing.HiddenSeconds += int(now.Sub(o.hiddenSince) / time.Second)
	}
	reason := o.reason
	o.mu.Unlock()

	p := model.ProgressPayload{
		AttemptID: o.params.AttemptID,
		Slug:      o.params.Assessment.Slug,
		StudentID: o.params.StudentID,
		Metadata: model.ProgressMetadata{Transcript: model.Transcript{
			Logs:                 o.ledger.Timeline(),
			Metadata:             model.TranscriptMetadata{Timing: timing, Proctoring: snap.Metadata},
			TotalDurationSeconds: o.params.Assessment.DurationSeconds - remaining,
		}},
		Responses:              snap.Responses,
		QuizSectionID:          o.params.Assessment.SectionID(model.SectionTypeQuiz),
		CodingProblemSectionID: o.params.Assessment.SectionID(model.SectionTypeCoding),
		SessionEnd:             sessionEnd,
		SavedAt:                now,
	}
	if sessionEnd {
		p.Metadata.Transcript.Metadata.Timing.EndedAt = &now
		p.Reason = reason
	}
	return p
}

func (o *Orchestrator) view() remote.View {
	v := remote.View{
		Session:   o.Session(),
		Clock:     o.clock.Format(),
		Position:  o.nav.Position(),
		Responses: o.responses.Snapshot(),
		Metadata:  o.ledger.CurrentCounts(),
		Timeline:  o.ledger.Timeline(),
	}
	if o.screen != nil {
		v.Fullscreen = string(o.screen.State())
	}
	return v
}

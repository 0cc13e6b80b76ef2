package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionStart             Action = "start"
	ActionDOMEvent          Action = "dom_event"
	ActionFaceSample        Action = "face_sample"
	ActionFullscreenChange  Action = "fullscreen_change"
	ActionFullscreenReenter Action = "fullscreen_reenter"
	ActionFullscreenError   Action = "fullscreen_error"
	ActionAnswer            Action = "answer"
	ActionCodeDraft         Action = "code_draft"
	ActionNavigate          Action = "navigate"
	ActionRoute             Action = "route"
	ActionMediaState        Action = "media_state"
	ActionSubmit            Action = "submit"
	ActionPing              Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// StartRequest begins (or resumes) the session once the client is ready.
type StartRequest struct {
	Route      string             `json:"route" binding:"required"`
	Fullscreen FullscreenElements `json:"fullscreen"`
}

// FullscreenElements carries document.fullscreenElement and its vendor variants.
type FullscreenElements struct {
	Standard string `json:"fullscreenElement,omitempty"`
	Webkit   string `json:"webkitFullscreenElement,omitempty"`
	Moz      string `json:"mozFullScreenElement,omitempty"`
	MS       string `json:"msFullscreenElement,omitempty"`
}

// DOMEventRequest forwards a browser event observed on document or window.
type DOMEventRequest struct {
	Seq    int64  `json:"seq"`
	Target string `json:"target" binding:"required,oneof=document window"`
	Type   string `json:"type" binding:"required"`
	Key    string `json:"key,omitempty"`
	Code   string `json:"code,omitempty"`
	Ctrl   bool   `json:"ctrl,omitempty"`
	Meta   bool   `json:"meta,omitempty"`
	Shift  bool   `json:"shift,omitempty"`
	Alt    bool   `json:"alt,omitempty"`
	Repeat bool   `json:"repeat,omitempty"`
	Hidden bool   `json:"hidden,omitempty"`
}

// FaceSampleRequest is one reading from the face detector.
type FaceSampleRequest struct {
	FaceCount int    `json:"faceCount" binding:"min=0"`
	Status    string `json:"status" binding:"required,oneof=NORMAL WARNING VIOLATION"`
}

// FullscreenErrorRequest reports a denied fullscreen request.
type FullscreenErrorRequest struct {
	Message string `json:"message"`
}

// AnswerRequest stores one answer.
type AnswerRequest struct {
	SectionType string          `json:"section_type" binding:"required,oneof=quiz coding subjective"`
	QuestionID  string          `json:"question_id" binding:"required,max=128"`
	Value       json.RawMessage `json:"value" binding:"required"`
}

// CodeDraftRequest caches a code-editor buffer.
type CodeDraftRequest struct {
	QuestionID string          `json:"question_id" binding:"required,max=128"`
	Value      json.RawMessage `json:"value" binding:"required"`
}

// NavigateRequest moves one question forward or back.
type NavigateRequest struct {
	Direction string `json:"direction" binding:"required,oneof=next previous"`
}

// RouteRequest reports a client-side route change.
type RouteRequest struct {
	Route string `json:"route" binding:"required"`
}

// SubmitRequest carries the candidate's explicit confirmation.
type SubmitRequest struct {
	Confirmed bool `json:"confirmed"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError             Event = "error"
	EventPong              Event = "pong"
	EventState             Event = "state"
	EventClock             Event = "clock"
	EventPosition          Event = "position"
	EventAnswerSaved       Event = "answer_saved"
	EventDOMResult         Event = "dom_result"
	EventDirective         Event = "directive"
	EventNotice            Event = "notice"
	EventViolation         Event = "violation"
	EventFullscreenWarning Event = "fullscreen_warning"
	EventForcedSubmit      Event = "forced_submit"
	EventSubmitted         Event = "submitted"
	EventSubmitFailed      Event = "submit_failed"
)

// Message is the envelope of every server event.
type Message struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

// DirectiveKind names an action the client must perform on the page.
type DirectiveKind string

const (
	DirectiveAddListener       DirectiveKind = "add_listener"
	DirectiveRemoveListener    DirectiveKind = "remove_listener"
	DirectivePushHistory       DirectiveKind = "push_history"
	DirectiveRequestFullscreen DirectiveKind = "request_fullscreen"
	DirectiveStopTrack         DirectiveKind = "stop_track"
	DirectiveDetachStream      DirectiveKind = "detach_stream"
	DirectiveStopCapture       DirectiveKind = "stop_capture"
)

// Directive is the payload of EventDirective.
type Directive struct {
	Kind      DirectiveKind `json:"kind"`
	Target    string        `json:"target,omitempty"`
	Type      string        `json:"type,omitempty"`
	ElementID string        `json:"element_id,omitempty"`
	StreamID  string        `json:"stream_id,omitempty"`
	TrackID   string        `json:"track_id,omitempty"`
}

// DOMResult tells the client whether a forwarded event was suppressed.
type DOMResult struct {
	Seq       int64 `json:"seq"`
	Prevented bool  `json:"prevented"`
}

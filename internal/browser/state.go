package browser

import (
	"errors"
	"maps"
	"sync"
	"time"
)

// ErrNoPage is returned for page-bound commands issued before the first navigation.
var ErrNoPage = errors.New("no page open; use 'plwr open <url>' first")

// ErrNoRecording is returned when a recording is stopped that was never started.
var ErrNoRecording = errors.New("no video recording in progress; use 'plwr video-start' first")

// Recording describes the video recording in flight.
type Recording struct {
	// Dir receives the engine's raw video files.
	Dir string
	// TempDir reports that Dir was created for this recording and must be removed.
	TempDir bool
	// Output is the final destination when it is known up front (start --video).
	Output    string
	StartedAt time.Time
}

// State is everything a session remembers besides the page itself: whether a page
// has been opened, the extra headers, the console buffer and the recording. There
// is exactly one per daemon.
type State struct {
	mu        sync.Mutex
	opened    bool
	headers   map[string]string
	recording *Recording

	Console *ConsoleBuffer
}

// NewState creates the state of a fresh session.
func NewState(consoleCapacity int) *State {
	return &State{
		headers: make(map[string]string),
		Console: NewConsoleBuffer(consoleCapacity),
	}
}

// MarkOpened records that a navigation succeeded.
func (s *State) MarkOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
}

// PageOpened reports whether any navigation has succeeded yet.
func (s *State) PageOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// ReplaceHeaders records headers as the set the page now sends.
func (s *State) ReplaceHeaders(headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = maps.Clone(headers)
	if s.headers == nil {
		s.headers = make(map[string]string)
	}
}

// Headers returns a copy of the current header set.
func (s *State) Headers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.headers)
}

// BeginRecording registers r as the recording in flight. Only one may exist.
func (s *State) BeginRecording(r Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording != nil {
		return errors.New("a video recording is already in progress; use 'plwr video-stop <output>' first")
	}
	s.recording = &r
	return nil
}

// EndRecording removes and returns the recording in flight.
func (s *State) EndRecording() (Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording == nil {
		return Recording{}, ErrNoRecording
	}
	r := *s.recording
	s.recording = nil
	return r, nil
}

// CurrentRecording returns the recording in flight, if any.
func (s *State) CurrentRecording() (Recording, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording == nil {
		return Recording{}, false
	}
	return *s.recording, true
}

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Step is one scripted mock event, emitted after Delay.
type Step struct {
	Event Event
	Delay time.Duration
}

// PartialJSON encodes text the way a streaming recognizer reports a partial.
func PartialJSON(text string) string {
	data, _ := json.Marshal(struct {
		Partial string `json:"partial"`
	}{Partial: text})
	return string(data)
}

// Mock replays a script on every session and then forwards events passed to
// Push. It records how many sessions were opened and are still live.
type Mock struct {
	mu         sync.Mutex
	script     []Step
	opened     int
	live       int
	sampleRate int
	current    *mockSession
	openErr    error
}

func NewMock(script ...Step) *Mock {
	return &Mock{script: script}
}

// FailOpen makes subsequent Open calls return err.
func (m *Mock) FailOpen(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

func (m *Mock) Open(_ context.Context, sampleRate int) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	s := &mockSession{
		owner:  m,
		events: make(chan Event, 16),
		in:     make(chan Event),
		stop:   make(chan struct{}),
	}
	m.opened++
	m.live++
	m.sampleRate = sampleRate
	m.current = s
	s.wg.Add(1)
	go s.run(append([]Step(nil), m.script...))
	return s, nil
}

// Push delivers ev through the most recently opened session. It reports
// false when no session is live.
func (m *Mock) Push(ev Event) bool {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return false
	}
	select {
	case s.in <- ev:
		return true
	case <-s.stop:
		return false
	}
}

// Opened reports how many sessions have been opened in total.
func (m *Mock) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Live reports how many sessions are open and not yet stopped.
func (m *Mock) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// SampleRate reports the rate passed to the last Open.
func (m *Mock) SampleRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sampleRate
}

type mockSession struct {
	owner  *Mock
	events chan Event
	in     chan Event
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *mockSession) Events() <-chan Event { return s.events }

func (s *mockSession) Stop() error {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		close(s.events)

		m := s.owner
		m.mu.Lock()
		m.live--
		if m.current == s {
			m.current = nil
		}
		m.mu.Unlock()
	})
	return nil
}

func (s *mockSession) run(script []Step) {
	defer s.wg.Done()
	for _, step := range script {
		if step.Delay > 0 {
			timer := time.NewTimer(step.Delay)
			select {
			case <-timer.C:
			case <-s.stop:
				timer.Stop()
				return
			}
		}
		if !s.emit(step.Event) {
			return
		}
	}
	for {
		select {
		case ev := <-s.in:
			if !s.emit(ev) {
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *mockSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

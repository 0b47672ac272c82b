package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/relay"
	"github.com/mattn/go-shellwords"
)

// Exec runs an external streaming recognizer. Relay datagrams received on
// cfg.AudioListen are written to the process stdin as raw PCM; each stdout
// line is one JSON result:
//
//	{"partial":"..."}  {"text":"..."}  {"error":"..."}  {"timeout":true}
type Exec struct {
	cmd []string
	cfg config.RecognitionConfig
	log *slog.Logger
}

func NewExec(cfg config.RecognitionConfig, log *slog.Logger) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognition command is empty")
	}
	return &Exec{cmd: args, cfg: cfg, log: log.With(slog.String("component", "exec-engine"))}, nil
}

func (e *Exec) args(sampleRate int) []string {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--sample-rate", strconv.Itoa(sampleRate))
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	if e.cfg.Language != "" {
		args = append(args, "--language", e.cfg.Language)
	}
	return args
}

func (e *Exec) Open(ctx context.Context, sampleRate int) (Session, error) {
	recv, err := relay.Listen(e.cfg.AudioListen, relay.MaxDatagram, e.log)
	if err != nil {
		return nil, fmt.Errorf("listen for audio: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(sctx, e.cmd[0], e.args(sampleRate)...)
	stdin, err := command.StdinPipe()
	if err != nil {
		cancel()
		recv.Close()
		return nil, fmt.Errorf("recognizer stdin: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		recv.Close()
		return nil, fmt.Errorf("recognizer stdout: %w", err)
	}
	var stderr bytes.Buffer
	command.Stderr = &stderr

	if err := command.Start(); err != nil {
		cancel()
		recv.Close()
		return nil, fmt.Errorf("start recognizer: %w", err)
	}
	e.log.Info("recognizer started",
		slog.String("command", e.cmd[0]),
		slog.Int("pid", command.Process.Pid),
		slog.String("audio", recv.Addr().String()))

	s := &execSession{
		ctx:    sctx,
		cancel: cancel,
		recv:   recv,
		events: make(chan Event, 32),
		log:    e.log,
	}
	s.wg.Add(2)
	go s.pumpAudio(stdin)
	go s.readResults(stdout, command, &stderr)
	return s, nil
}

type execSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	recv   *relay.Receiver
	events chan Event
	log    *slog.Logger
	wg     sync.WaitGroup

	once     sync.Once
	released sync.Once
	ended    sync.Once
}

func (s *execSession) Events() <-chan Event { return s.events }

func (s *execSession) Stop() error {
	s.once.Do(func() {
		s.cancel()
		s.release()
		s.wg.Wait()
		s.end()
	})
	return nil
}

// release frees the audio port. Safe to call more than once.
func (s *execSession) release() {
	s.released.Do(func() {
		_ = s.recv.Close()
		if dropped := s.recv.Dropped(); dropped > 0 {
			s.log.Warn("audio frames dropped during session", slog.Int64("dropped", dropped))
		}
	})
}

// end closes Events. readResults is the only sender, so it may call end
// itself once the recognizer has exited.
func (s *execSession) end() {
	s.ended.Do(func() { close(s.events) })
}

func (s *execSession) pumpAudio(stdin io.WriteCloser) {
	defer s.wg.Done()
	defer stdin.Close()
	for frame := range s.recv.Frames() {
		if _, err := stdin.Write(frame); err != nil {
			if s.ctx.Err() == nil {
				s.log.Warn("recognizer stdin closed", slogError(err))
			}
			return
		}
	}
}

func (s *execSession) readResults(stdout io.Reader, command *exec.Cmd, stderr *bytes.Buffer) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !s.emit(decodeResult(line)) {
			break
		}
	}
	err := command.Wait()
	if s.ctx.Err() != nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("recognizer exited")
	} else {
		err = fmt.Errorf("recognizer exited: %w: %s", err, stderr.String())
	}
	s.emit(Event{Kind: Error, Err: err})
	s.release()
	s.end()
}

func (s *execSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// decodeResult classifies one recognizer output line. Lines that are not
// JSON are passed on as partials; the consumer decides they are empty.
func decodeResult(line []byte) Event {
	var msg struct {
		Partial *string `json:"partial"`
		Text    *string `json:"text"`
		Error   string  `json:"error"`
		Timeout bool    `json:"timeout"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return Event{Kind: Partial, Payload: string(line)}
	}
	switch {
	case msg.Error != "":
		return Event{Kind: Error, Err: fmt.Errorf("recognizer: %s", msg.Error)}
	case msg.Timeout:
		return Event{Kind: Timeout}
	case msg.Partial == nil && msg.Text != nil:
		return Event{Kind: Final, Payload: string(line)}
	default:
		return Event{Kind: Partial, Payload: string(line)}
	}
}

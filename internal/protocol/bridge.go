package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/pkg/logx"
)

// BridgeConfig configures the external bridge process.
type BridgeConfig struct {
	// Command is the bridge executable. Required.
	Command string
	// DataDir holds per-session auth state so a paired session survives
	// restarts without re-pairing. The bridge gets DataDir/<sessionID>.
	DataDir string
	// SendTimeout bounds a single send round-trip. 0 means 30s.
	SendTimeout time.Duration
}

// NewBridgeFactory returns a Factory spawning one bridge process per session.
//
// The bridge speaks line-delimited JSON: events on stdout
// ({"event":"qr"|"ready"|"auth_failure"|"disconnected"|"ack"|"sent"|"send_error", ...}),
// commands on stdin ({"op":"send"|"destroy", ...}). Send results are matched
// by a caller-generated ref.
func NewBridgeFactory(cfg BridgeConfig, log logx.Logger) Factory {
	return func(sessionID string) (Client, error) {
		if cfg.Command == "" {
			return nil, fmt.Errorf("%w: bridge command not configured", ErrInit)
		}
		return &bridgeClient{
			cfg:       cfg,
			sessionID: sessionID,
			log:       log.With(logx.String("session", sessionID)),
			pending:   map[string]chan error{},
		}, nil
	}
}

type bridgeClient struct {
	cfg       BridgeConfig
	sessionID string
	log       logx.Logger

	mu       sync.Mutex
	h        Handlers
	cmd      *exec.Cmd
	stdin    *json.Encoder
	closed   bool
	pending  map[string]chan error
	readerWG sync.WaitGroup
}

// bridgeEvent is one stdout line from the bridge.
type bridgeEvent struct {
	Event    string `json:"event"`
	Data     string `json:"data,omitempty"`
	Identity string `json:"identity,omitempty"`
	Message  string `json:"message,omitempty"`
	Reason   string `json:"reason,omitempty"`
	ID       string `json:"id,omitempty"`
	Level    int    `json:"level,omitempty"`
	Ref      string `json:"ref,omitempty"`
}

// bridgeCommand is one stdin line to the bridge.
type bridgeCommand struct {
	Op     string `json:"op"`
	Ref    string `json:"ref,omitempty"`
	Target string `json:"target,omitempty"`
	Body   string `json:"body,omitempty"`
}

func (c *bridgeClient) Bind(h Handlers) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
}

func (c *bridgeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cmd != nil {
		return nil
	}

	dataDir := filepath.Join(c.cfg.DataDir, c.sessionID)
	cmd := exec.Command(c.cfg.Command, "--session", c.sessionID, "--data-dir", dataDir)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: spawn %s: %v", ErrInit, c.cfg.Command, err)
	}

	c.cmd = cmd
	c.stdin = json.NewEncoder(stdin)

	c.readerWG.Add(1)
	go func() {
		defer c.readerWG.Done()
		c.readLoop(stdout)
	}()
	// Reap the process so a crashed bridge surfaces as a disconnect.
	go func() {
		err := cmd.Wait()
		c.onExit(err)
	}()

	c.log.Debug("bridge spawned", logx.String("cmd", c.cfg.Command))
	return nil
}

func (c *bridgeClient) readLoop(r interface{ Read([]byte) (int, error) }) {
	sc := bufio.NewScanner(bufio.NewReader(r))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev bridgeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			c.log.Warn("bridge emitted unparsable line", logx.Err(err))
			continue
		}
		c.dispatch(ev)
	}
}

func (c *bridgeClient) dispatch(ev bridgeEvent) {
	c.mu.Lock()
	h := c.h
	c.mu.Unlock()

	switch ev.Event {
	case "qr":
		if h.PairingChallenge != nil {
			h.PairingChallenge(ev.Data)
		}
	case "ready":
		if h.PairingAccepted != nil {
			h.PairingAccepted(ev.Identity)
		}
	case "auth_failure":
		if h.PairingFailed != nil {
			h.PairingFailed(ev.Message)
		}
	case "disconnected":
		if h.Disconnected != nil {
			h.Disconnected(ev.Reason)
		}
	case "ack":
		if h.Ack != nil {
			h.Ack(ev.ID, AckLevel(ev.Level))
		}
	case "sent":
		c.resolve(ev.Ref, nil)
	case "send_error":
		c.resolve(ev.Ref, fmt.Errorf("bridge send: %s", ev.Message))
	default:
		c.log.Debug("bridge event ignored", logx.String("event", ev.Event))
	}
}

func (c *bridgeClient) resolve(ref string, err error) {
	if ref == "" {
		return
	}
	c.mu.Lock()
	ch := c.pending[ref]
	delete(c.pending, ref)
	c.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (c *bridgeClient) onExit(err error) {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	h := c.h
	pending := c.pending
	c.pending = map[string]chan error{}
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- ErrClosed
	}
	if alreadyClosed {
		return
	}
	reason := "bridge exited"
	if err != nil {
		reason = fmt.Sprintf("bridge exited: %v", err)
	}
	c.log.Warn("bridge process exited", logx.Err(err))
	if h.Disconnected != nil {
		h.Disconnected(reason)
	}
}

func (c *bridgeClient) Send(ctx context.Context, target, body, ref string) error {
	if ref == "" {
		ref = uuid.NewString()
	}
	ch := make(chan error, 1)

	c.mu.Lock()
	if c.closed || c.stdin == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[ref] = ch
	err := c.stdin.Encode(bridgeCommand{Op: "send", Ref: ref, Target: target, Body: body})
	c.mu.Unlock()
	if err != nil {
		c.forget(ref)
		return fmt.Errorf("bridge write: %w", err)
	}

	timeout := c.cfg.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case err := <-ch:
		return err
	case <-tmr.C:
		c.forget(ref)
		return fmt.Errorf("bridge send: timeout after %s", timeout)
	case <-ctx.Done():
		c.forget(ref)
		return ctx.Err()
	}
}

func (c *bridgeClient) forget(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

func (c *bridgeClient) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin := c.stdin
	cmd := c.cmd
	c.mu.Unlock()

	if stdin != nil {
		// Ask politely first; the reaper goroutine handles the exit.
		_ = stdin.Encode(bridgeCommand{Op: "destroy"})
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		c.readerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}
	return nil
}

package pool

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

// controlState tracks pause/resume/stop/resize requests delivered over the
// control channel, decoupled from the Run loop goroutine so the subscriber
// can update it concurrently.
type controlState struct {
	mu            sync.Mutex
	paused        bool
	stopRequested bool
	pendingTarget int
	pendingAt     time.Time
	hasPending    bool
}

func (c *controlState) setPaused(p bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = p
}

func (c *controlState) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *controlState) requestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRequested = true
}

func (c *controlState) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

func (c *controlState) requestResize(target int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingTarget = target
	c.pendingAt = time.Now()
	c.hasPending = true
}

// takeReadyResize returns the most recently requested worker count once
// debounce has elapsed since that request, clearing the pending state. A
// newer request arriving during the debounce window resets the clock, so a
// burst of set_workers commands only ever applies the last one.
func (c *controlState) takeReadyResize(debounce time.Duration) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasPending || time.Since(c.pendingAt) < debounce {
		return 0, false
	}
	target := c.pendingTarget
	c.hasPending = false
	return target, true
}

type setWorkersCommand struct {
	Command string `json:"command"`
	Count   int    `json:"count"`
}

// setWorkersMin/Max bound the worker count a control message may request;
// a count outside the range is clamped, not rejected.
const (
	setWorkersMin = 1
	setWorkersMax = 8
)

// watchControl subscribes to the control channel and applies plain-string
// commands (pause/resume/stop) or a JSON {"command":"set_workers","count":N}
// payload to state, until ctx is canceled or the subscription closes.
func watchControl(ctx domain.Context, bus domain.ControlBus, channel string, state *controlState) {
	msgs, unsubscribe, err := bus.Subscribe(ctx, channel)
	if err != nil {
		slog.Error("feature pool control subscribe failed", slog.Any("error", err))
		return
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			slog.Warn("feature pool control unsubscribe failed", slog.Any("error", err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			applyControlMessage(raw, state)
		}
	}
}

func applyControlMessage(raw string, state *controlState) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pause":
		state.setPaused(true)
		slog.Info("feature pool paused via control channel")
		return
	case "resume":
		state.setPaused(false)
		slog.Info("feature pool resumed via control channel")
		return
	case "stop":
		state.requestStop()
		slog.Info("feature pool stop requested via control channel")
		return
	}

	var cmd setWorkersCommand
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil || cmd.Command != "set_workers" {
		return
	}
	target := cmd.Count
	if target < setWorkersMin {
		target = setWorkersMin
	}
	if target > setWorkersMax {
		target = setWorkersMax
	}
	state.requestResize(target)
	slog.Info("feature pool resize requested via control channel", slog.Int("target", target))
}

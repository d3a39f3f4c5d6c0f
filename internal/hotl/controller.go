package hotl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/haasonsaas/strand/internal/observability"
)

// Continuation is the controller's instruction to issue one more turn.
type Continuation struct {
	// InjectMessage is the standing prompt to feed back to the agent.
	InjectMessage string

	// Iteration is the turn number the injection belongs to.
	Iteration int

	// StatusMessage is a short human-readable progress line, e.g.
	// "HOTL iteration 3/10 | Complete: <promise>done</promise>".
	StatusMessage string
}

// Controller owns one working directory's state file. All decisions reload
// the file, so external edits and other processes are observed.
type Controller struct {
	path   string
	logger *observability.Logger

	mu sync.Mutex
}

// NewController builds a controller over workDir's state file.
func NewController(workDir string, logger *observability.Logger) *Controller {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Controller{
		path:   filepath.Join(workDir, StateFilename),
		logger: logger,
	}
}

// Path returns the state file location.
func (c *Controller) Path() string {
	return c.path
}

// Start persists a fresh session at iteration 1. An existing session is
// replaced.
func (c *Controller) Start(prompt string, maxIterations int, promise string) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := &State{
		Iteration:         1,
		MaxIterations:     maxIterations,
		CompletionPromise: promise,
		AutoRespond:       true,
		Prompt:            strings.TrimSpace(prompt),
	}
	if state.Prompt == "" {
		return nil, fmt.Errorf("hotl: prompt is required")
	}
	if err := c.save(state); err != nil {
		return nil, err
	}
	return state, nil
}

// CheckAndContinue decides the next step from the agent's final text.
// A nil continuation means the session is over or was never active: the
// promise landed, the budget ran out, or there is no state file. The text
// completes via a <promise> tag whose whitespace-normalized contents equal
// the completion promise.
func (c *Controller) CheckAndContinue(finalText string) (*Continuation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.load()
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, nil
	}

	if state.CompletionPromise != "" && containsPromise(finalText, state.CompletionPromise) {
		c.logger.Info(context.Background(), "hotl promise fulfilled", "iteration", state.Iteration)
		return nil, c.clear()
	}
	if state.MaxIterations > 0 && state.Iteration >= state.MaxIterations {
		c.logger.Info(context.Background(), "hotl iteration budget exhausted", "max_iterations", state.MaxIterations)
		return nil, c.clear()
	}

	state.Iteration++
	if err := c.save(state); err != nil {
		return nil, err
	}
	return &Continuation{
		InjectMessage: state.Prompt,
		Iteration:     state.Iteration,
		StatusMessage: statusMessage(state),
	}, nil
}

// Cancel removes the session. Cancelling an inactive controller is a no-op.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clear()
}

// State returns the current session, or nil when none is active.
func (c *Controller) State() (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

// IsActive reports whether a readable session exists. Corrupt files count
// as inactive.
func (c *Controller) IsActive() bool {
	state, err := c.State()
	return err == nil && state != nil
}

func (c *Controller) load() (*State, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return ParseState(data)
}

func (c *Controller) save(state *State) error {
	data, err := state.Render()
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

func (c *Controller) clear() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

func statusMessage(s *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HOTL iteration %d", s.Iteration)
	if s.MaxIterations > 0 {
		fmt.Fprintf(&b, "/%d", s.MaxIterations)
	}
	if s.CompletionPromise != "" {
		fmt.Fprintf(&b, " | Complete: <promise>%s</promise>", s.CompletionPromise)
	}
	return b.String()
}

var promiseRe = regexp.MustCompile(`(?s)<promise>(.*?)</promise>`)

// containsPromise reports whether any <promise> tag in text matches the
// expected promise after collapsing whitespace runs on both sides.
func containsPromise(text, promise string) bool {
	want := normalizeSpace(promise)
	if want == "" {
		return false
	}
	for _, m := range promiseRe.FindAllStringSubmatch(text, -1) {
		if normalizeSpace(m[1]) == want {
			return true
		}
	}
	return false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

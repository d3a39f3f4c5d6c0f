package hotl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return NewController(t.TempDir(), nil)
}

func TestStateRoundTrip(t *testing.T) {
	state := &State{
		Iteration:         3,
		MaxIterations:     10,
		CompletionPromise: "all tests pass",
		AutoRespond:       true,
		Prompt:            "Fix the failing tests.\n\nRun them after every change.",
	}
	data, err := state.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	parsed, err := ParseState(data)
	if err != nil {
		t.Fatalf("ParseState: %v", err)
	}
	if parsed.Iteration != 3 || parsed.MaxIterations != 10 {
		t.Fatalf("counters = %d/%d", parsed.Iteration, parsed.MaxIterations)
	}
	if parsed.CompletionPromise != "all tests pass" || !parsed.AutoRespond {
		t.Fatalf("parsed = %+v", parsed)
	}
	if parsed.Prompt != state.Prompt {
		t.Fatalf("prompt = %q, want %q", parsed.Prompt, state.Prompt)
	}
}

func TestParseStateMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"no opening fence", "iteration: 1\n"},
		{"no closing fence", "---\niteration: 1\n"},
		{"bad yaml", "---\niteration: [not\n---\nprompt\n"},
		{"zero iteration", "---\niteration: 0\n---\nprompt\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseState([]byte(tc.data))
			if !errors.Is(err, ErrCorruptState) {
				t.Fatalf("err = %v, want ErrCorruptState", err)
			}
		})
	}
}

func TestControllerStart(t *testing.T) {
	c := newTestController(t)

	state, err := c.Start("  keep working  ", 5, "done")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if state.Iteration != 1 || state.Prompt != "keep working" {
		t.Fatalf("state = %+v", state)
	}
	if !c.IsActive() {
		t.Fatal("controller inactive after Start")
	}

	loaded, err := c.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if loaded.MaxIterations != 5 || loaded.CompletionPromise != "done" {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestControllerStartEmptyPrompt(t *testing.T) {
	c := newTestController(t)
	if _, err := c.Start("   ", 0, ""); err == nil {
		t.Fatal("Start accepted an empty prompt")
	}
}

func TestCheckAndContinueBudget(t *testing.T) {
	c := newTestController(t)
	if _, err := c.Start("keep going", 3, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Iterations 1 and 2 continue; the third call exhausts the budget.
	cont, err := c.CheckAndContinue("no promise here")
	if err != nil {
		t.Fatalf("CheckAndContinue: %v", err)
	}
	if cont == nil || cont.Iteration != 2 || cont.InjectMessage != "keep going" {
		t.Fatalf("continuation = %+v", cont)
	}
	if cont.StatusMessage != "HOTL iteration 2/3" {
		t.Fatalf("status = %q", cont.StatusMessage)
	}

	cont, err = c.CheckAndContinue("still nothing")
	if err != nil {
		t.Fatalf("CheckAndContinue: %v", err)
	}
	if cont == nil || cont.Iteration != 3 {
		t.Fatalf("continuation = %+v", cont)
	}

	cont, err = c.CheckAndContinue("and again nothing")
	if err != nil {
		t.Fatalf("CheckAndContinue: %v", err)
	}
	if cont != nil {
		t.Fatalf("budget exhausted but got %+v", cont)
	}
	if c.IsActive() {
		t.Fatal("state file survived budget exhaustion")
	}
}

func TestCheckAndContinuePromise(t *testing.T) {
	cases := []struct {
		name     string
		promise  string
		text     string
		complete bool
	}{
		{"exact match", "done", "work finished <promise>done</promise>", true},
		{"whitespace normalized", "all tests pass", "<promise>  all\n\ttests   pass </promise>", true},
		{"wrong contents", "done", "<promise>not done</promise>", false},
		{"no tag", "done", "done", false},
		{"tag among others", "done", "<promise>nope</promise> then <promise>done</promise>", true},
		{"empty promise never matches", "", "<promise></promise>", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestController(t)
			if _, err := c.Start("prompt", 0, tc.promise); err != nil {
				t.Fatalf("Start: %v", err)
			}
			cont, err := c.CheckAndContinue(tc.text)
			if err != nil {
				t.Fatalf("CheckAndContinue: %v", err)
			}
			if tc.complete {
				if cont != nil {
					t.Fatalf("promise should complete, got %+v", cont)
				}
				if c.IsActive() {
					t.Fatal("state survived completion")
				}
			} else if cont == nil {
				t.Fatal("session ended without the promise")
			}
		})
	}
}

func TestCheckAndContinueUnlimited(t *testing.T) {
	c := newTestController(t)
	if _, err := c.Start("forever", 0, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 5; i++ {
		cont, err := c.CheckAndContinue("text")
		if err != nil {
			t.Fatalf("CheckAndContinue #%d: %v", i, err)
		}
		if cont == nil {
			t.Fatalf("unlimited session ended at #%d", i)
		}
		if strings.Contains(cont.StatusMessage, "/") {
			t.Fatalf("status shows a budget on an unlimited session: %q", cont.StatusMessage)
		}
	}
}

func TestStatusMessageWithPromise(t *testing.T) {
	c := newTestController(t)
	if _, err := c.Start("prompt", 5, "ship it"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cont, err := c.CheckAndContinue("not yet")
	if err != nil {
		t.Fatalf("CheckAndContinue: %v", err)
	}
	want := "HOTL iteration 2/5 | Complete: <promise>ship it</promise>"
	if cont.StatusMessage != want {
		t.Fatalf("status = %q, want %q", cont.StatusMessage, want)
	}
}

func TestControllerCancel(t *testing.T) {
	c := newTestController(t)
	if _, err := c.Start("prompt", 0, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if c.IsActive() {
		t.Fatal("active after cancel")
	}
	// Cancelling again is a no-op.
	if err := c.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}

func TestCheckAndContinueInactive(t *testing.T) {
	c := newTestController(t)
	cont, err := c.CheckAndContinue("whatever")
	if err != nil {
		t.Fatalf("CheckAndContinue: %v", err)
	}
	if cont != nil {
		t.Fatalf("inactive controller continued: %+v", cont)
	}
}

func TestControllerCorruptFile(t *testing.T) {
	dir := t.TempDir()
	c := NewController(dir, nil)
	if err := os.WriteFile(filepath.Join(dir, StateFilename), []byte("not frontmatter"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if c.IsActive() {
		t.Fatal("corrupt file reported active")
	}
	if _, err := c.State(); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("State err = %v, want ErrCorruptState", err)
	}
	if _, err := c.CheckAndContinue("text"); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("CheckAndContinue err = %v, want ErrCorruptState", err)
	}
}

func TestDrive(t *testing.T) {
	c := newTestController(t)
	if _, err := c.Start("fix the bug", 10, "fixed"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	finals := []string{"working on it", "almost there", "<promise>fixed</promise>"}
	var inputs []string
	turns, err := c.Drive(context.Background(), func(ctx context.Context, input string) (string, error) {
		inputs = append(inputs, input)
		return finals[len(inputs)-1], nil
	})
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if turns != 3 {
		t.Fatalf("turns = %d, want 3", turns)
	}
	if inputs[0] != "fix the bug" {
		t.Fatalf("first input = %q, want the bare prompt", inputs[0])
	}
	for _, in := range inputs[1:] {
		if !strings.HasPrefix(in, "<system-reminder>") || !strings.Contains(in, "fix the bug") {
			t.Fatalf("re-injection not wrapped: %q", in)
		}
	}
	if c.IsActive() {
		t.Fatal("session survived the promise")
	}
}

func TestDriveTurnError(t *testing.T) {
	c := newTestController(t)
	if _, err := c.Start("prompt", 0, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	turnErr := errors.New("llm down")
	turns, err := c.Drive(context.Background(), func(ctx context.Context, input string) (string, error) {
		return "", turnErr
	})
	if !errors.Is(err, turnErr) {
		t.Fatalf("err = %v, want the turn error", err)
	}
	if turns != 0 {
		t.Fatalf("turns = %d, want 0", turns)
	}
	// The session survives a failed turn so the operator can retry.
	if !c.IsActive() {
		t.Fatal("session lost on turn failure")
	}
}

func TestDriveNotActive(t *testing.T) {
	c := newTestController(t)
	_, err := c.Drive(context.Background(), func(ctx context.Context, input string) (string, error) {
		t.Fatal("turn issued without a session")
		return "", nil
	})
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestDriveManualRespond(t *testing.T) {
	dir := t.TempDir()
	c := NewController(dir, nil)
	state := &State{
		Iteration:     1,
		MaxIterations: 5,
		AutoRespond:   false,
		Prompt:        "step once",
	}
	data, err := state.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, StateFilename), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	turns, err := c.Drive(context.Background(), func(ctx context.Context, input string) (string, error) {
		return "no promise", nil
	})
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if turns != 1 {
		t.Fatalf("turns = %d, want 1 without auto_respond", turns)
	}

	loaded, err := c.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if loaded == nil || loaded.Iteration != 2 {
		t.Fatalf("state = %+v, want iteration 2 persisted", loaded)
	}
}

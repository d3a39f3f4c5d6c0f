package hotl

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotActive reports a drive attempt with no session on disk.
var ErrNotActive = errors.New("hotl: no active session")

// TurnFunc issues one agent turn with the given input text and returns the
// agent's final text. The dispatcher's blocking path satisfies it through
// a small closure.
type TurnFunc func(ctx context.Context, input string) (string, error)

// Drive issues turns until the controller reports no continuation. The
// first turn carries the standing prompt as-is; every re-injection is
// wrapped in a system-reminder block so the agent can tell it from user
// input. Sessions with auto_respond disabled stop after one turn and wait
// for the next Drive call. Returns the number of turns issued.
func (c *Controller) Drive(ctx context.Context, turn TurnFunc) (int, error) {
	state, err := c.State()
	if err != nil {
		return 0, err
	}
	if state == nil {
		return 0, ErrNotActive
	}

	input := state.Prompt
	turns := 0
	for {
		if err := ctx.Err(); err != nil {
			return turns, err
		}
		finalText, err := turn(ctx, input)
		if err != nil {
			return turns, fmt.Errorf("turn %d: %w", turns+1, err)
		}
		turns++

		cont, err := c.CheckAndContinue(finalText)
		if err != nil {
			return turns, err
		}
		if cont == nil {
			return turns, nil
		}
		c.logger.Info(ctx, "hotl continuing", "status", cont.StatusMessage)
		if !state.AutoRespond {
			return turns, nil
		}
		input = WrapSystemReminder(cont.InjectMessage)
	}
}

// WrapSystemReminder frames injected context the way drivers present
// non-user text to the agent.
func WrapSystemReminder(text string) string {
	return "<system-reminder>\n" + text + "\n</system-reminder>"
}

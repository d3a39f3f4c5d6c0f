// Package hotl implements human-out-of-the-loop continuation: a durable
// state file in the working directory holds a standing prompt that is
// re-injected after each agent turn until the agent's final text carries
// the completion promise or the iteration budget runs out. The controller
// only decides; issuing turns is the driver's job.
package hotl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// StateFilename is the state file kept in the working directory.
	StateFilename = "HOTL.md"

	frontmatterDelimiter = "---"
)

// ErrCorruptState reports a state file that exists but cannot be parsed.
// Callers that only need liveness treat it as inactive; callers about to
// act on the state surface it.
var ErrCorruptState = errors.New("hotl: corrupt state file")

// State is the durable continuation record: YAML frontmatter between ---
// fences, the standing prompt as the body below.
type State struct {
	// Iteration counts turns issued so far, starting at 1.
	Iteration int `yaml:"iteration"`

	// MaxIterations caps the loop. Zero means unlimited.
	MaxIterations int `yaml:"max_iterations"`

	// CompletionPromise ends the loop early when the agent's final text
	// carries it inside a <promise> tag.
	CompletionPromise string `yaml:"completion_promise"`

	// AutoRespond re-injects the prompt without human confirmation
	// between turns.
	AutoRespond bool `yaml:"auto_respond"`

	// Prompt is the body below the frontmatter, re-injected each turn.
	Prompt string `yaml:"-"`
}

// ParseState decodes a state file.
func ParseState(data []byte) (*State, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	var state State
	if err := yaml.Unmarshal(front, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if state.Iteration < 1 {
		return nil, fmt.Errorf("%w: iteration %d", ErrCorruptState, state.Iteration)
	}
	state.Prompt = strings.TrimSpace(string(body))
	return &state, nil
}

// Render encodes the state back to the file format.
func (s *State) Render() ([]byte, error) {
	front, err := yaml.Marshal(struct {
		Iteration         int    `yaml:"iteration"`
		MaxIterations     int    `yaml:"max_iterations"`
		CompletionPromise string `yaml:"completion_promise"`
		AutoRespond       bool   `yaml:"auto_respond"`
	}{s.Iteration, s.MaxIterations, s.CompletionPromise, s.AutoRespond})
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelimiter + "\n")
	buf.Write(front)
	buf.WriteString(frontmatterDelimiter + "\n")
	buf.WriteString(s.Prompt)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// splitFrontmatter separates the YAML frontmatter from the prompt body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, errors.New("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, errors.New("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, errors.New("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

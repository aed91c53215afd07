package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrNoInteractive indicates the sink has no user to ask.
var ErrNoInteractive = errors.New("no interactive user available")

// ErrInputClosed indicates stdin closed while waiting for a reply.
var ErrInputClosed = errors.New("input closed")

// Terminal is the Sink for the interactive top-level agent. It writes to
// the controlling terminal and reads collaboration replies from stdin.
type Terminal struct {
	mu      sync.Mutex
	out     io.Writer
	in      *bufio.Reader
	spinner Spinner
}

// Spinner is the progress indicator the terminal sink stops before
// prompting the user. The rendering layer provides it; a nil spinner is
// fine.
type Spinner interface {
	Stop()
	Start()
}

// NewTerminal creates a terminal sink on stdout/stdin.
func NewTerminal() *Terminal {
	return &Terminal{out: os.Stdout, in: bufio.NewReader(os.Stdin)}
}

// SetSpinner attaches the progress spinner to stop around prompts.
func (t *Terminal) SetSpinner(s Spinner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spinner = s
}

// Stream writes assistant text as it arrives.
func (t *Terminal) Stream(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, delta)
}

// Notice writes a runtime message on its own line.
func (t *Terminal) Notice(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "\n%s\n", msg)
}

// Action writes a tool action line.
func (t *Terminal) Action(desc string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "  • %s\n", desc)
}

// ErrorMsg writes a failure message.
func (t *Terminal) ErrorMsg(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "\nerror: %s\n", msg)
}

// RequestInput stops the spinner, prints the prompt, and reads one line.
// The read itself cannot be canceled mid-line; ctx expiry is checked
// around it.
func (t *Terminal) RequestInput(ctx context.Context, prompt string) (string, error) {
	t.mu.Lock()
	spinner := t.spinner
	t.mu.Unlock()
	if spinner != nil {
		spinner.Stop()
		defer spinner.Start()
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(t.out, "\n%s\n> ", prompt)

	type lineResult struct {
		line string
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := t.in.ReadString('\n')
		ch <- lineResult{line: line, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && res.line == "" {
			return "", ErrInputClosed
		}
		return strings.TrimRight(res.line, "\r\n"), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

var (
	initialStateMu sync.Mutex
	initialState   *term.State
)

// SaveInitialState records the terminal state at startup so ResetTerminal
// can return to it.
func SaveInitialState() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	if state, err := term.GetState(fd); err == nil {
		initialStateMu.Lock()
		initialState = state
		initialStateMu.Unlock()
	}
}

// ResetTerminal restores the terminal from a raw or garbled state. Used
// by the /reset command after an interactive passthrough session dies
// badly.
func ResetTerminal() error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	initialStateMu.Lock()
	state := initialState
	initialStateMu.Unlock()
	if state != nil {
		if err := term.Restore(fd, state); err != nil {
			return fmt.Errorf("restore terminal: %w", err)
		}
	}
	// Clear any stray escape sequence state.
	fmt.Fprint(os.Stdout, "\x1bc")
	return nil
}

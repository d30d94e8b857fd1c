package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// errNotInteractive is returned when a prompt is needed but stdin is not a
// terminal.
var errNotInteractive = errors.New("stdin is not a terminal; run this command interactively")

// prompter asks the user for input during login.
type prompter interface {
	// Secret reads a line without echoing it.
	Secret(label string) (string, error)
	// Line reads one line of visible input.
	Line(label string) (string, error)
}

// newPrompter returns the prompter used by interactive commands. Tests
// replace it with a scripted one.
var newPrompter = func() prompter {
	return &terminalPrompter{in: os.Stdin, out: os.Stderr, reader: bufio.NewReader(os.Stdin)}
}

// terminalPrompter prompts on stderr and reads from a terminal on stdin.
type terminalPrompter struct {
	in     *os.File
	out    io.Writer
	reader *bufio.Reader
}

func (p *terminalPrompter) Secret(label string) (string, error) {
	if !isTerminal(p.in) {
		return "", errNotInteractive
	}

	fmt.Fprint(p.out, label)

	b, err := term.ReadPassword(int(p.in.Fd()))
	fmt.Fprintln(p.out)

	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}

	return string(b), nil
}

func (p *terminalPrompter) Line(label string) (string, error) {
	if !isTerminal(p.in) {
		return "", errNotInteractive
	}

	fmt.Fprint(p.out, label)

	line, err := p.reader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("reading input: %w", err)
	}

	return strings.TrimSpace(line), nil
}

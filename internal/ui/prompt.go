package ui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrAborted is returned when the user quits at a removal prompt.
var ErrAborted = errors.New("aborted at prompt")

// Prompter asks before each destination removal. Answers are y(es), n(o),
// a(ll) to stop asking and remove everything, or q(uit).
type Prompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
	all bool
}

// NewPrompter reads answers from in and writes questions to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// ConfirmRemove reports whether path may be removed. End of input counts as
// "no".
func (p *Prompter) ConfirmRemove(path string, dir bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.all {
		return true, nil
	}
	what := "file"
	if dir {
		what = "directory"
	}
	for {
		fmt.Fprintf(p.out, "remove %s %s? [y/n/a/q] ", what, path)
		line, err := p.in.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(p.out)
				return false, nil
			}
			return false, fmt.Errorf("read answer: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			return false, nil
		case "a", "all":
			p.all = true
			return true, nil
		case "q", "quit":
			return false, ErrAborted
		}
	}
}

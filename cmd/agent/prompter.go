package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
)

// TerminalPrompter asks the consent question on a terminal.
type TerminalPrompter struct {
	lines <-chan string
	out   io.Writer
}

func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return &TerminalPrompter{lines: lines, out: out}
}

// PromptConsent returns true only for an explicit yes. A closed input
// counts as a decline.
func (p *TerminalPrompter) PromptConsent(ctx context.Context) (bool, error) {
	fmt.Fprint(p.out, "📍 Share your location with the supervisor while you are logged in? [y/N] ")
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false, ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			fmt.Fprintln(p.out)
			return false, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes", "s", "si", "ya":
			return true, nil
		}
		return false, nil
	}
}

// foreground tracks whether the agent is "in use". SIGUSR1/SIGUSR2 flip it.
type foreground struct {
	v atomic.Bool
}

func newForeground() *foreground {
	f := &foreground{}
	f.v.Store(true)
	return f
}

func (f *foreground) Visible() bool { return f.v.Load() }

func (f *foreground) set(v bool) bool { return f.v.Swap(v) != v }

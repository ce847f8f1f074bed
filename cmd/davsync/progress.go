package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// ProgressDisplay renders a single status line on a terminal. On anything
// else it prints phase changes only.
type ProgressDisplay struct {
	mu      sync.Mutex
	tty     bool
	phase   string
	errors  []string
	lastLen int
	closed  bool
}

// NewProgressDisplay creates a display writing to stderr.
func NewProgressDisplay() *ProgressDisplay {
	return &ProgressDisplay{tty: term.IsTerminal(int(os.Stderr.Fd()))}
}

// SetPhase shows a new phase.
func (p *ProgressDisplay) SetPhase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || phase == p.phase {
		return
	}
	p.phase = phase
	if p.tty {
		p.render(color.CyanString(phase))
		return
	}
	fmt.Fprintln(os.Stderr, phase)
}

// Update shows done out of total with the current item.
func (p *ProgressDisplay) Update(done, total int, current string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !p.tty {
		return
	}
	line := fmt.Sprintf("[%d/%d] %s", done, total, current)
	if width, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && width > 4 && len(line) > width-1 {
		line = line[:width-4] + "..."
	}
	p.render(line)
}

// AddError records a problem and prints it above the status line.
func (p *ProgressDisplay) AddError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.errors = append(p.errors, msg)
	p.clear()
	color.New(color.FgYellow).Fprintf(os.Stderr, "! %s\n", msg)
}

// Errors returns everything passed to AddError.
func (p *ProgressDisplay) Errors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.errors...)
}

// Close ends the status line. It may be called more than once.
func (p *ProgressDisplay) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	if p.tty && p.lastLen > 0 {
		fmt.Fprintln(os.Stderr)
	}
}

func (p *ProgressDisplay) render(line string) {
	p.clear()
	fmt.Fprint(os.Stderr, line)
	p.lastLen = len(line)
}

func (p *ProgressDisplay) clear() {
	if !p.tty || p.lastLen == 0 {
		return
	}
	fmt.Fprint(os.Stderr, "\r"+strings.Repeat(" ", p.lastLen)+"\r")
	p.lastLen = 0
}

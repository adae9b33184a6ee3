package ui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

var spinFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Checklist redraws the run's steps in place on every snapshot. Running steps
// spin, degraded steps get a yellow bang, failed ones a red cross.
type Checklist struct {
	out           io.Writer
	mu            sync.Mutex
	steps         []stepState
	renderedLines int
	frame         int
	stop          chan struct{}
	once          sync.Once
}

func NewChecklist(out io.Writer) *Checklist {
	return &Checklist{out: out, stop: make(chan struct{})}
}

func (c *Checklist) OnSnapshot(snap stepSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.steps == nil
	c.steps = snap.Steps
	c.redraw()
	if first {
		go c.spin()
	}
}

// Close stops the spinner and leaves the last frame on screen.
func (c *Checklist) Close() {
	c.once.Do(func() {
		close(c.stop)
		c.mu.Lock()
		c.redraw()
		c.mu.Unlock()
	})
}

func (c *Checklist) spin() {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame = (c.frame + 1) % len(spinFrames)
			c.redraw()
			c.mu.Unlock()
		}
	}
}

// redraw moves the cursor back over the previous frame and reprints it.
// Caller must hold c.mu.
func (c *Checklist) redraw() {
	if c.renderedLines > 0 {
		fmt.Fprintf(c.out, "\033[%dA", c.renderedLines)
	}
	for _, s := range c.steps {
		fmt.Fprintf(c.out, "\r%s\033[K\n", c.line(s))
	}
	for i := len(c.steps); i < c.renderedLines; i++ {
		fmt.Fprint(c.out, "\r\033[K\n")
	}
	c.renderedLines = len(c.steps)
}

func (c *Checklist) line(s stepState) string {
	var icon, title string
	switch s.Status {
	case stepRunning:
		icon, title = Accent(spinFrames[c.frame]), s.Title
	case stepDone:
		icon, title = Success("✓"), s.Title
	case stepDegraded:
		icon, title = Warn("!"), s.Title
	case stepFailed:
		icon, title = Error("✗"), Error(s.Title)
	default:
		icon, title = Muted("●"), Muted(s.Title)
	}
	line := stepIndent(s) + icon + " " + title
	if s.Message != "" {
		line += " " + Muted(s.Message)
	}
	return line
}

func stepIndent(s stepState) string {
	if s.ParentID != "" {
		return "    "
	}
	return "  "
}

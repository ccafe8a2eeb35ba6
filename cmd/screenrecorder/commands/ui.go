package commands

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bryanchriswhite/ScreenRecorder/internal/recorder"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	recordStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	pausedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// statusBadge renders a recorder status as a short colored label
func statusBadge(s recorder.Status) string {
	switch s {
	case recorder.StatusRecording:
		return recordStyle.Render("● REC")
	case recorder.StatusPaused:
		return pausedStyle.Render("❚❚ PAUSED")
	case recorder.StatusFinalizing:
		return dimStyle.Render("… FINALIZING")
	default:
		return dimStyle.Render("■ IDLE")
	}
}

// formatClock renders d as HH:MM:SS
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}

// progress prints a single status line that is rewritten in place
type progress struct {
	w        io.Writer
	now      func() time.Time
	interval time.Duration

	mu     sync.Mutex
	status recorder.Status
	last   time.Time
	frame  int
	ts     time.Duration
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w, now: time.Now, interval: time.Second}
}

func (p *progress) setStatus(s recorder.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
	p.render()
}

// update records progress, redrawing at most once per interval
func (p *progress) update(frame int, ts time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frame, p.ts = frame, ts
	if now := p.now(); now.Sub(p.last) >= p.interval {
		p.last = now
		p.render()
	}
}

func (p *progress) render() {
	fmt.Fprintf(p.w, "\r%s  %s  %s", statusBadge(p.status), formatClock(p.ts),
		dimStyle.Render(fmt.Sprintf("frame %d", p.frame)))
}

// done ends the status line
func (p *progress) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w)
}

// Package progressbar implements functionality of printing a progress
// bar to the terminal window
package progressbar

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ProgressBar prints a textual progress bar. Increment may be called
// from multiple goroutines; the bar redraws itself on a fixed period
// until Close is called.
type ProgressBar struct {
	out   io.Writer
	width int
	max   int

	mu      sync.Mutex
	current int

	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
}

// New returns a progress bar that is width characters wide, reaches
// 100% after max Increment calls, and redraws every updateEvery.
func New(out io.Writer, width, max int,
	updateEvery time.Duration) *ProgressBar {
	p := &ProgressBar{
		out:      out,
		width:    width,
		max:      max,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	go func() {
		defer close(p.finished)
		tick := time.NewTicker(updateEvery)
		defer tick.Stop()

		start := time.Now()
		for {
			select {
			case <-tick.C:
				p.draw(time.Since(start))
			case <-p.done:
				p.draw(time.Since(start))
				return
			}
		}
	}()
	return p
}

// Increment advances the bar by one step. It should be called once
// per completed iteration.
func (p *ProgressBar) Increment() {
	p.mu.Lock()
	if p.current < p.max {
		p.current++
	}
	p.mu.Unlock()
}

// Close stops redrawing and prints the final state of the bar.
func (p *ProgressBar) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		<-p.finished
		fmt.Fprintln(p.out)
	})
}

// draw renders the bar on the current terminal line.
func (p *ProgressBar) draw(elapsed time.Duration) {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()

	fraction := float64(current) / float64(p.max)
	filled := int(fraction * float64(p.width))

	fmt.Fprintf(p.out, "\r[%v%v] %3.0f%% (%v/%v) %v",
		strings.Repeat("=", filled),
		strings.Repeat(" ", p.width-filled),
		fraction*100, current, p.max, elapsed.Round(time.Second))
}

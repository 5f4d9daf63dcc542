// Package spinning provides a friendly spinning clock (or some other spinning symbols), followed by
// a status line, to use while the program is calculating something.
package spinning

import (
	"context"
	"fmt"
	"io"
	"k8s.io/klog/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Spinning displays a spinning symbol and the latest status, rewriting the same terminal line.
type Spinning struct {
	out    io.Writer
	wg     sync.WaitGroup
	cancel func()

	mu     sync.Mutex
	status string
}

var (
	ThemeAscii = []rune("|/-\\")
	ThemeMoon  = []rune("🌑🌒🌓🌔🌕🌖🌗🌘")
	ThemeClock = []rune("🕐🕑🕒🕓🕔🕕🕖🕗🕘🕙🕚🕛")

	// Theme defaults to ThemeClock, but it can be set to anything else before calling New.
	Theme = ThemeClock

	// Period between updates of the spinning symbol.
	Period = 250 * time.Millisecond
)

// SafeInterrupt calls onInterrupt on the first SIGINT (Ctrl+C) or SIGTERM. A second signal, or gracePeriod
// elapsing after the first one, resets the terminal and exits the program.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		first := <-signals
		_, _ = fmt.Fprintln(os.Stdout)
		klog.Errorf("Got interrupted (signal %q), finishing the episodes in progress... (%s)", first, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		select {
		case second := <-signals:
			Reset()
			klog.Fatalf("Interrupted again (signal %q), exiting now.", second)
		case <-time.After(gracePeriod):
			Reset()
			klog.Fatalf("Grace period of %s expired, exiting.", gracePeriod)
		}
	}()
}

const (
	showCursor    = "\033[?25h"
	hideCursor    = "\033[?25l"
	defaultColors = "\033[39;49;0m"
	clearLineEnd  = "\033[0K"
)

// Reset shows the cursor and restores the default terminal colors.
func Reset() {
	_, _ = fmt.Fprintln(os.Stdout, showCursor+defaultColors)
}

// New starts a spinning display writing to out (usually os.Stdout) on a separate goroutine.
// It stops when Spinning.Done is called or the context is cancelled.
func New(ctx context.Context, out io.Writer) *Spinning {
	s := &Spinning{out: out}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(Period)
		defer ticker.Stop()
		// Hide cursor while spinning.
		_, _ = fmt.Fprint(out, hideCursor)
		defer func() { _, _ = fmt.Fprint(out, showCursor) }()
		for idx := 0; ; idx = (idx + 1) % len(Theme) {
			s.draw(Theme[idx])
			select {
			case <-ctx.Done():
				s.draw(' ')
				_, _ = fmt.Fprintln(out)
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

func (s *Spinning) draw(symbol rune) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, "\r%c %s"+clearLineEnd, symbol, status)
}

// SetStatus changes the text displayed after the spinning symbol. It is safe to call concurrently.
func (s *Spinning) SetStatus(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = fmt.Sprintf(format, args...)
}

// Done stops the spinning and waits for the display goroutine to finish.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

// Package spinning shows a spinner with a message while a long computation (e.g. compiling a model graph)
// runs, and handles interrupts gracefully.
package spinning

import (
	"context"
	"fmt"
	"golang.org/x/term"
	"k8s.io/klog/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Spinner is running on a separate goroutine until Done is called.
type Spinner struct {
	wg     sync.WaitGroup
	cancel func()
}

// Theme of the spinner symbols.
var Theme = []rune("|/-\\")

// SafeInterrupt captures SIGINT (Ctrl+C) and SIGTERM and calls onInterrupt.
// If the program hasn't exited after gracePeriod, it resets the terminal and exits.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Graceful shutdown period of %s expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n")
}

// New starts a spinner after message. If stdout is not a terminal, it only prints the message.
func New(ctx context.Context, message string) *Spinner {
	s := &Spinner{}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("%s...\n", message)
		return s
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		fmt.Print("\033[?25l")       // Hide cursor.
		defer fmt.Print("\033[?25h") // Restore cursor.
		for idx := 0; ; idx = (idx + 1) % len(Theme) {
			fmt.Printf("\r%s %c", message, Theme[idx])
			select {
			case <-ctx.Done():
				fmt.Print("\r\033[2K") // Clear the line.
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the spinner and waits for it to clear its line.
func (s *Spinner) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

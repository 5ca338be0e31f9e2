package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

var spinnerParts = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type Spinner struct {
	message string

	value   atomic.Int32
	stopped atomic.Bool
	ticker  *time.Ticker
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		message: message,
		ticker:  time.NewTicker(100 * time.Millisecond),
	}
	go s.start()
	return s
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message := strings.TrimSpace(s.message); message != "" {
		fmt.Fprintf(&sb, "%s ", message)
	}

	if !s.stopped.Load() {
		sb.WriteString(spinnerParts[s.value.Load()])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) start() {
	for range s.ticker.C {
		if s.stopped.Load() {
			return
		}
		s.value.Store((s.value.Load() + 1) % int32(len(spinnerParts)))
	}
}

func (s *Spinner) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.ticker.Stop()
	}
}

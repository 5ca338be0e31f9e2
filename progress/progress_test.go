package progress

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

type fixedState string

func (s fixedState) String() string { return string(s) }

func TestProgressRendersStates(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add(fixedState("first"))
	p.Add(fixedState("second"))

	if !p.Stop() {
		t.Fatal("expected first Stop to report stopped")
	}
	if p.Stop() {
		t.Fatal("expected second Stop to be a no-op")
	}

	out := buf.String()
	for _, want := range []string{"first", "second", "\033[?25l", "\033[?25h"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestProgressStopsSpinners(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	s := NewSpinner("loading")
	p.Add(s)
	p.Stop()

	if !s.stopped.Load() {
		t.Fatal("spinner still running")
	}
	if got := s.String(); got != "loading " {
		t.Errorf("stopped spinner = %q", got)
	}
}

func TestBarWrite(t *testing.T) {
	b := NewBar("weights.safetensors", 1000, 0)
	n, err := io.Copy(b, strings.NewReader(strings.Repeat("x", 400)))
	if err != nil || n != 400 {
		t.Fatalf("copy = %d, %v", n, err)
	}

	if b.Value() != 400 {
		t.Errorf("value = %d, want 400", b.Value())
	}

	out := b.String()
	if !strings.HasPrefix(out, "weights.safetensors  40% ") {
		t.Errorf("unexpected prefix: %q", out)
	}
	if !strings.Contains(out, "(400 B/1 KB") {
		t.Errorf("unexpected stats: %q", out)
	}

	b.Write(make([]byte, 5000))
	if b.Value() != 1000 {
		t.Errorf("value should clamp at max, got %d", b.Value())
	}
}

func TestBarSet(t *testing.T) {
	b := NewBar("", 100, 10)
	b.Set(250)
	if b.Value() != 100 {
		t.Errorf("value = %d", b.Value())
	}
	if !strings.HasPrefix(b.String(), "100% ") {
		t.Errorf("unexpected render %q", b.String())
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		90 * time.Second:          "1m30s",
		2*time.Hour + time.Minute: "2h1m",
		150 * time.Hour:           "99h+",
	}
	for d, want := range cases {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%s) = %s, want %s", d, got, want)
		}
	}
}

func TestStepBar(t *testing.T) {
	s := NewStepBar("clip-vit-base-patch16", 5)
	s.Set(3)
	if got := s.String(); got != "clip-vit-base-patch16  60% ▕███  ▏ 3/5" {
		t.Errorf("got %q", got)
	}
	s.Set(20)
	if !strings.HasSuffix(s.String(), "5/5") {
		t.Errorf("expected clamp, got %q", s.String())
	}
}

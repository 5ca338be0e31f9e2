package format

import (
	"testing"
	"time"
)

func TestHumanBytes(t *testing.T) {
	type testCase struct {
		input    int64
		expected string
	}

	tests := []testCase{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1 KB"},
		{1500, "1.5 KB"},
		{1999, "1.9 KB"},
		{12345, "12 KB"},
		{1000000, "1 MB"},
		{2500000000, "2.5 GB"},
		{1000000000000, "1 TB"},
		{-1500, "-1500 B"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			if got := HumanBytes(tc.input); got != tc.expected {
				t.Errorf("HumanBytes(%d) = %s, want %s", tc.input, got, tc.expected)
			}
		})
	}
}

func TestHumanTime(t *testing.T) {
	if got := HumanTime(time.Time{}, "Never"); got != "Never" {
		t.Errorf("zero time: got %s", got)
	}

	cases := map[time.Duration]string{
		0:                   "Less than a second ago",
		5 * time.Second:     "5 seconds ago",
		90 * time.Second:    "About a minute ago",
		3 * time.Hour:       "3 hours ago",
		72 * time.Hour:      "3 days ago",
		24 * 40 * time.Hour: "5 weeks ago",
	}

	for d, want := range cases {
		if got := HumanTime(time.Now().Add(-d), "Never"); got != want {
			t.Errorf("HumanTime(-%s) = %s, want %s", d, got, want)
		}
	}

	if got := HumanTime(time.Now().Add(3*time.Hour+time.Minute), "Never"); got != "3 hours from now" {
		t.Errorf("future: got %s", got)
	}
}

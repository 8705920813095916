package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTime(t *testing.T) {
	now := time.Now()

	assert.Equal(t, now.Local().Format("Jan _2 15:04"), formatTime(now))

	old := time.Date(2001, time.March, 4, 10, 0, 0, 0, time.Local)
	assert.Equal(t, "Mar  4  2001", formatTime(old))
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, "never"},
		{now.Add(-300 * time.Millisecond), "just now"},
		{now.Add(-42 * time.Second), "42s ago"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatAge(tt.at, now))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b c", truncate("a\n  b\tc", 10), "whitespace collapses")
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "\u00e9\u00e9...", truncate(strings.Repeat("\u00e9", 8), 5), "cuts on runes")
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"#", "TITLE"}, [][]string{
		{"1", "Attention Is All You Need"},
		{"12", "R\u00e9sum\u00e9"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "#   TITLE", lines[0])
	assert.Equal(t, "1   Attention Is All You Need", lines[1])
	assert.Equal(t, "12  R\u00e9sum\u00e9", lines[2])
}

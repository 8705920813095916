package record

import "strings"

// Palette is the set of colours a participant can pick when joining.
var Palette = []string{
	"#3B82F6", // blue
	"#EF4444", // red
	"#10B981", // green
	"#F59E0B", // amber
	"#8B5CF6", // violet
	"#EC4899", // pink
	"#14B8A6", // teal
	"#F97316", // orange
}

var paletteNames = []string{"blue", "red", "green", "amber", "violet", "pink", "teal", "orange"}

// ValidColor reports whether c is a palette colour, ignoring case.
func ValidColor(c string) bool {
	for _, p := range Palette {
		if strings.EqualFold(p, c) {
			return true
		}
	}

	return false
}

// ColorName returns the short name of a palette colour, or c unchanged.
func ColorName(c string) string {
	for i, p := range Palette {
		if strings.EqualFold(p, c) {
			return paletteNames[i]
		}
	}

	return c
}

// ColorByName resolves a palette colour from its short name or hex value.
func ColorByName(s string) (string, bool) {
	for i, n := range paletteNames {
		if strings.EqualFold(n, s) || strings.EqualFold(Palette[i], s) {
			return Palette[i], true
		}
	}

	return "", false
}

package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// PaletteSize is the number of colours in a custom palette.
const PaletteSize = 6

// ErrInvalidPalette is returned when a palette does not contain exactly six
// hex colours.
var ErrInvalidPalette = errors.New("types: palette must contain exactly 6 hex colours")

var hexColour = regexp.MustCompile(`^#?[0-9A-Fa-f]{6}$`)

// Palette is an optional custom colour palette. The zero value means the
// collection default is used.
type Palette [PaletteSize]string

// DefaultPalette mirrors the collection's built-in colours.
var DefaultPalette = Palette{"#fc1a4a", "#75d494", "#2587c3", "#f2c945", "#000000", "#FFFFFF"}

// IsCustom reports whether any colour has been set.
func (p Palette) IsCustom() bool {
	for _, c := range p {
		if c != "" {
			return true
		}
	}
	return false
}

// Validate ensures a custom palette holds six well formed colours. The zero
// palette is valid.
func (p Palette) Validate() error {
	if !p.IsCustom() {
		return nil
	}
	for i, c := range p {
		if !hexColour.MatchString(c) || !strings.HasPrefix(c, "#") {
			return fmt.Errorf("%w: position %d has %q", ErrInvalidPalette, i+1, c)
		}
	}
	return nil
}

// Query renders the palette as the comma separated form accepted by the
// preview renderer, or "" for the default palette.
func (p Palette) Query() string {
	if !p.IsCustom() {
		return ""
	}
	return strings.Join(p[:], ",")
}

// ParsePalette accepts a comma separated list of six hex colours in any of the
// forms `"#07B0F0","#140902",...` or `07B0F0, 140902, ...`.
func ParsePalette(input string) (Palette, error) {
	var palette Palette
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '"', '\'':
			return -1
		}
		return r
	}, input)
	parts := make([]string, 0, PaletteSize)
	for _, part := range strings.Split(cleaned, ",") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) != PaletteSize {
		return palette, ErrInvalidPalette
	}
	for i, part := range parts {
		if !hexColour.MatchString(part) {
			return Palette{}, fmt.Errorf("%w: position %d has %q", ErrInvalidPalette, i+1, part)
		}
		if !strings.HasPrefix(part, "#") {
			part = "#" + part
		}
		palette[i] = part
	}
	return palette, nil
}

// Package qr renders QR codes as terminal-displayable text.
//
// It uses Unicode half-block characters to pack two QR code rows into
// one terminal row, since terminal character cells are roughly twice
// as tall as they are wide. This is how the pairing URL for the
// encrypted browser viewer channel (see internal/viewerchannel) is
// shown to a user who wants to scan it with a phone rather than copy
// it by hand.
package qr

import (
	"strings"

	"github.com/skip2/go-qrcode"
)

// GenerateLines renders a QR code for data as terminal lines, trying
// progressively lower error-correction levels until the code fits
// within maxWidth x maxHeight. If nothing fits, it returns a short
// human-readable explanation instead of QR output.
func GenerateLines(data string, maxWidth, maxHeight uint16) []string {
	return renderLines(data, maxWidth, maxHeight, false)
}

// GenerateLinesInverted is GenerateLines with light and dark modules
// swapped, for terminals with a light-on-dark color scheme.
func GenerateLinesInverted(data string, maxWidth, maxHeight uint16) []string {
	return renderLines(data, maxWidth, maxHeight, true)
}

func renderLines(data string, maxWidth, maxHeight uint16, inverted bool) []string {
	levels := []qrcode.RecoveryLevel{qrcode.High, qrcode.Medium, qrcode.Low}

	for _, level := range levels {
		code, err := qrcode.New(data, level)
		if err != nil {
			continue
		}

		bitmap := code.Bitmap()
		if len(bitmap) == 0 || len(bitmap[0]) == 0 {
			continue
		}

		size := len(bitmap)
		width := uint16(size)
		height := uint16((size + 1) / 2)

		if width <= maxWidth && height <= maxHeight {
			return renderBitmap(bitmap, size, inverted)
		}
	}

	return []string{
		"QR code too large for terminal",
		"Please resize your terminal window",
		"(need at least 60x30 characters)",
	}
}

// renderBitmap packs two bitmap rows into each terminal line using
// half-block characters: full block when both cells are dark, upper
// or lower half-block when only one is, and a space when neither is.
func renderBitmap(bitmap [][]bool, size int, inverted bool) []string {
	lines := make([]string, 0, (size+1)/2)

	for rowPair := 0; rowPair < (size+1)/2; rowPair++ {
		upperY := rowPair * 2
		lowerY := rowPair*2 + 1

		var sb strings.Builder
		sb.Grow(size * 3)

		for x := 0; x < size; x++ {
			upper := bitmap[upperY][x]
			lower := false
			if lowerY < size {
				lower = bitmap[lowerY][x]
			}
			if inverted {
				upper, lower = !upper, !lower
			}

			var ch rune
			switch {
			case upper && lower:
				ch = '█'
			case upper && !lower:
				ch = '▀'
			case !upper && lower:
				ch = '▄'
			default:
				ch = ' '
			}
			sb.WriteRune(ch)
		}
		lines = append(lines, sb.String())
	}

	return lines
}

// Dimensions returns the terminal width and height a QR code for data
// would occupy at medium error correction, or (0, 0) if encoding fails.
func Dimensions(data string) (uint16, uint16) {
	code, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return 0, 0
	}

	bitmap := code.Bitmap()
	if len(bitmap) == 0 {
		return 0, 0
	}

	size := len(bitmap)
	return uint16(size), uint16((size + 1) / 2)
}

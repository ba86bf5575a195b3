package transcript

import (
	"unicode/utf8"

	"github.com/lazypower/tether/internal/memory"
)

const ellipsis = "..."

// Clip shortens messages longer than maxBytes so they pass the server's
// length limit. Cuts land on a rune boundary and are marked with "...".
// Returns how many records were clipped.
func Clip(recs []memory.NewRecord, maxBytes int) int {
	if maxBytes <= len(ellipsis) {
		return 0
	}
	clipped := 0
	for i := range recs {
		msg := recs[i].Message
		if len(msg) <= maxBytes {
			continue
		}
		cut := maxBytes - len(ellipsis)
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		recs[i].Message = msg[:cut] + ellipsis
		clipped++
	}
	return clipped
}

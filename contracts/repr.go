package contracts

import (
	"strconv"
	"unicode/utf8"
)

// DefaultReprLimit caps message bodies written to logs
const DefaultReprLimit = 256

const ellipsis = "..."

// LimitedRepr returns a quoted, printable rendering of body that is at most
// limit bytes long, ending in an ellipsis when truncated
func LimitedRepr(body []byte, limit int) string {
	if limit <= 0 {
		limit = DefaultReprLimit
	}

	var repr string
	if utf8.Valid(body) {
		repr = strconv.Quote(string(body))
	} else {
		repr = strconv.QuoteToASCII(string(body))
	}

	if len(repr) <= limit {
		return repr
	}

	cut := limit - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	// keep multi-byte characters whole
	for cut > 0 && !utf8.RuneStart(repr[cut]) {
		cut--
	}
	return repr[:cut] + ellipsis
}

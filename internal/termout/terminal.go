// Package termout cleans up raw subprocess/deploy-log output before it is
// persisted or returned over the wire, collapsing \r and \b control
// characters the way a terminal would.
package termout

import "strings"

// Clean collapses \r (carriage return) and \b (backspace) control
// characters in input, simulating how a terminal would render progress
// bars and spinners, so deploy log tails don't carry raw control bytes.
func Clean(input string) string {
	if !strings.ContainsAny(input, "\r\b") {
		return input
	}

	lines := strings.Split(input, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = cleanLine(line)
	}
	return strings.Join(out, "\n")
}

func cleanLine(line string) string {
	runes := []rune(line)
	output := make([]rune, 0, len(runes))
	cursor := 0

	for _, r := range runes {
		switch r {
		case '\r':
			cursor = 0
		case '\b':
			if cursor > 0 {
				cursor--
			}
		default:
			if cursor < len(output) {
				output[cursor] = r
			} else {
				output = append(output, r)
			}
			cursor++
		}
	}

	return string(output)
}

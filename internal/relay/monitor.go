package relay

import "strings"

// failureClass is the closed set of recognized transcoder failure
// categories. Diagnostic-stream pattern matching is fragile, so the matching
// rules live here alone and the supervisor only ever sees the class.
type failureClass int

const (
	// failureNone: not a failure line.
	failureNone failureClass = iota
	// failureUnreachable: the source host refused or could not be reached.
	failureUnreachable
	// failureMalformedInput: the source delivered data the transcoder could
	// not parse.
	failureMalformedInput
	// failureOther: an error line with no terminal signature; logged but not
	// acted on.
	failureOther
)

// terminal reports whether the class must tear the feed down immediately.
func (c failureClass) terminal() bool {
	return c == failureUnreachable || c == failureMalformedInput
}

// classifyTranscodeLine maps one diagnostic line to a failure class and, for
// terminal classes, a viewer-facing message.
func classifyTranscodeLine(line string) (failureClass, string) {
	switch {
	case strings.Contains(line, "Connection refused"),
		strings.Contains(line, "No route to host"),
		strings.Contains(line, "Connection timed out"):
		return failureUnreachable, "camera connection failed"
	case strings.Contains(line, "Invalid data found"):
		return failureMalformedInput, "invalid source stream"
	}

	lower := strings.ToLower(line)
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
		return failureOther, ""
	}
	return failureNone, ""
}

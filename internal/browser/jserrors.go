package browser

import "strings"

// classifyJSError categorizes a script execution error so callers can react
// without string-matching themselves.
func classifyJSError(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()

	if strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "Timeout") {
		return "timeout"
	}

	if strings.Contains(errStr, "SyntaxError") ||
		strings.Contains(errStr, "Unexpected token") ||
		strings.Contains(errStr, "Unexpected identifier") {
		return "syntax"
	}

	if strings.Contains(errStr, "ReferenceError") ||
		strings.Contains(errStr, "TypeError") ||
		strings.Contains(errStr, "is not defined") ||
		strings.Contains(errStr, "is not a function") ||
		strings.Contains(errStr, "Cannot read property") ||
		strings.Contains(errStr, "Cannot read properties") {
		return "runtime"
	}

	if strings.Contains(errStr, "SecurityError") ||
		strings.Contains(errStr, "cross-origin") ||
		strings.Contains(errStr, "blocked") {
		return "security"
	}

	return "unknown"
}

// formatJSError extracts the actual JavaScript error message from the CDP
// wrapper for human-readable output.
func formatJSError(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()

	for _, marker := range []string{"ReferenceError:", "TypeError:", "SyntaxError:", "RangeError:"} {
		if strings.Contains(errStr, marker) {
			parts := strings.SplitN(errStr, marker, 2)
			if len(parts) == 2 {
				return marker + strings.TrimSpace(parts[1])
			}
		}
	}

	if strings.Contains(errStr, "context deadline exceeded") {
		return "Script execution timed out"
	}

	if len(errStr) > 200 {
		return errStr[:197] + "..."
	}

	return errStr
}

package intercept

import (
	"runtime"
	"strings"

	"github.com/10printhello/trim-telemetry/pkg/record"
)

const maxCallerDepth = 32

// internalFrames are function name prefixes of the instrumentation and of the
// HTTP client machinery sitting between the caller and the policy check.
var internalFrames = []string{
	"runtime.",
	"net/http.",
	"github.com/10printhello/trim-telemetry/pkg/intercept.",
	"github.com/10printhello/trim-telemetry/pkg/nettap.(*Transport).",
	"github.com/10printhello/trim-telemetry/pkg/telemetry.(*Session).",
}

// Caller returns the first stack frame outside the instrumentation, or nil
// when none is found.
func Caller() *record.CallSite {
	pcs := make([]uintptr, maxCallerDepth)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isInternalFrame(frame.Function) {
			return &record.CallSite{
				File:     frame.File,
				Line:     frame.Line,
				Function: frame.Function,
			}
		}

		if !more {
			return nil
		}
	}
}

func isInternalFrame(function string) bool {
	for _, prefix := range internalFrames {
		if strings.HasPrefix(function, prefix) {
			return true
		}
	}

	return false
}

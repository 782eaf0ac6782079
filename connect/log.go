package connect

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention for the sync packages:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - connectivity timeouts and reconnects
//     - failed decorators and best-effort cleanup failures
// V(1):
//     key lifecycle events with ids that can be used to filter
//     (connect, authenticate, subscribe, registry get/release)
// V(2):
//     frequent events - send, receive, debounce fire - and traces

const LogLevelInfo = glog.Level(0)
const LogLevelEvent = glog.Level(1)
const LogLevelDebug = glog.Level(2)

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("[%s]%s", tag, m)
	}
}

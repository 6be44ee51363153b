// Package assert holds the invariant checks used by the failover core.
//
// CodingError is for corrupted in-memory state and always panics. TestAssert
// flags programmer mistakes that are survivable in production: it panics when
// test assertions are enabled and only logs otherwise.
package assert

import (
	"fmt"
	"sync/atomic"

	"github.com/cuemby/failover/pkg/log"
)

var testAssertEnabled atomic.Bool

// EnableTestAssert turns TestAssert failures into panics
func EnableTestAssert(enabled bool) {
	testAssertEnabled.Store(enabled)
}

// TestAssertEnabled reports whether TestAssert panics
func TestAssertEnabled() bool {
	return testAssertEnabled.Load()
}

// CodingError reports a broken invariant and panics
func CodingError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Logger.Error().Str("assert", "coding_error").Msg(msg)
	panic("coding error: " + msg)
}

// CodingErrorIf calls CodingError when cond holds
func CodingErrorIf(cond bool, format string, args ...interface{}) {
	if cond {
		CodingError(format, args...)
	}
}

// TestAssert reports a programmer error
func TestAssert(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Logger.Error().Str("assert", "test_assert").Msg(msg)
	if testAssertEnabled.Load() {
		panic("test assert: " + msg)
	}
}

// TestAssertIf calls TestAssert when cond holds
func TestAssertIf(cond bool, format string, args ...interface{}) {
	if cond {
		TestAssert(format, args...)
	}
}

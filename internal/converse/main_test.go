package converse

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain enables goroutine leak detection for the session tests, which
// exercise cancellation mid-delay.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

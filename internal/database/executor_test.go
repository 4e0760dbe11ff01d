package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExecutorInterface verifies that Connection implements the Executor interface.
// This is a compile-time check that happens via the var _ Executor = (*Connection)(nil)
// line in executor.go, but this test makes it explicit and serves as documentation.
func TestExecutorInterface(t *testing.T) {
	var _ Executor = (*Connection)(nil)
	assert.True(t, true, "Connection implements Executor")
}

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageMentionsAllSubcommands(t *testing.T) {
	u := usage()
	for _, sub := range []string{"serve", "stats", "maintain", "export", "import", "reindex"} {
		assert.Contains(t, u, sub)
	}
}

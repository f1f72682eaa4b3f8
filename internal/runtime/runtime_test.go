// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wingedpig/agentrund/internal/config"
)

func TestTableCompilesAndLooksUp(t *testing.T) {
	table, err := NewTable(config.DefaultRuntimes())
	require.NoError(t, err)

	r, ok := table.Get("claude-code")
	require.True(t, ok)
	require.Equal(t, "/compact", r.CompactCommand)
	require.True(t, r.HasCompact())
	require.True(t, r.MatchesReady(`? for shortcuts`))
	require.False(t, r.MatchesReady(`nothing here`))

	_, ok = table.Get("unknown-runtime")
	require.False(t, ok)
}

func TestLaunchArgsWithResume(t *testing.T) {
	table, err := NewTable(config.DefaultRuntimes())
	require.NoError(t, err)
	r, _ := table.Get("claude-code")

	require.Equal(t, []string{"claude"}, r.LaunchArgs(""))
	require.Equal(t, []string{"claude", "--resume", "abc123"}, r.LaunchArgs("abc123"))
}

func TestCodexHasNoCompact(t *testing.T) {
	table, err := NewTable(config.DefaultRuntimes())
	require.NoError(t, err)
	r, ok := table.Get("codex-cli")
	require.True(t, ok)
	require.False(t, r.HasCompact())
}

func TestInvalidPatternFailsCompile(t *testing.T) {
	_, err := NewTable([]config.RuntimeConfig{
		{Type: "broken", ReadyPatterns: []string{"("}},
	})
	require.Error(t, err)
}

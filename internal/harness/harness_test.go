package harness

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/resync/internal/eventlog"
)

func TestBuiltinScenarios_Golden(t *testing.T) {
	names := BuiltinNames()
	require.ElementsMatch(t, []string{"auth-revoked", "backup-failure", "cold-then-warm", "discard-local", "interrupted-sync"}, names)

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			sc, err := Builtin(name)
			require.NoError(t, err)

			result, err := RunWithGolden(t, sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.NotEmpty(t, result.Events)
		})
	}
}

func TestRun_ExpectationMismatchFails(t *testing.T) {
	wrong := 7
	sc := &Scenario{
		Name:        "mismatch",
		Description: "expects the wrong count",
		Steps: []Step{
			{Action: ActionConnect, Expect: &Expect{Strategy: "warm"}},
			{Action: ActionExpect, Expect: &Expect{Count: &wrong}},
		},
	}

	result, err := Run(t.Context(), sc, WithDir(t.TempDir()))
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{
		"step 1 (connect): strategy = cold, want warm",
		"step 2 (expect): count = 0, want 7",
	}, result.Errors)
}

func TestRun_StepErrorStops(t *testing.T) {
	sc := &Scenario{
		Name:        "revoke-first",
		Description: "revokes before logging in",
		Steps: []Step{
			{Action: ActionRevoke},
			{Action: ActionConnect},
		},
	}

	result, err := Run(t.Context(), sc, WithDir(t.TempDir()))
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "not logged in")
	assert.Equal(t, "scenario: revoke-first\n[1] revoke\n  => error=error\n", string(result.Render(sc.Name)))
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: s
description: d
scope: Q
seed: 9
timeout: 2s
steps:
  - action: connect
    expect: { strategy: cold, count: 0 }
`), 0o644))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "Q", sc.Scope)
	assert.Equal(t, uint64(9), sc.Seed)
	require.Len(t, sc.Steps, 1)
	require.NotNil(t, sc.Steps[0].Expect.Count)
	assert.Equal(t, 0, *sc.Steps[0].Expect.Count)
	assert.Nil(t, sc.Steps[0].Expect.Inserted)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown field", "name: s\ndescription: d\nstep: []\n", "field step not found"},
		{"missing name", "description: d\nsteps: [{action: connect}]\n", "name is required"},
		{"missing description", "name: s\nsteps: [{action: connect}]\n", "description is required"},
		{"no steps", "name: s\ndescription: d\nsteps: []\n", "steps list is required"},
		{"unknown action", "name: s\ndescription: d\nsteps: [{action: jump}]\n", `unknown action "jump"`},
		{"bare expect", "name: s\ndescription: d\nsteps: [{action: expect}]\n", "expect is required"},
		{"bad strategy", "name: s\ndescription: d\nsteps: [{action: connect, expect: {strategy: hot}}]\n", `unknown strategy "hot"`},
		{"bad timeout", "name: s\ndescription: d\ntimeout: soon\nsteps: [{action: connect}]\n", "not a positive duration"},
		{"bad mode", "name: s\ndescription: d\nmode: automatic\nsteps: [{action: connect}]\n", `unknown client reset mode "automatic"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuiltin_Unknown(t *testing.T) {
	_, err := Builtin("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted-sync")
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		ev   eventlog.Event
		want string
		keep bool
	}{
		{eventlog.Event{Level: slog.LevelInfo, Message: "Opened P replica (sync)"}, "INFO Opened P replica (sync)", true},
		{eventlog.Event{Level: slog.LevelInfo, Message: "Restore successfully applied: 3 records"}, "INFO Restore successfully applied: 3 records", true},
		{eventlog.Event{Level: slog.LevelError, Message: "Backup failed: IOError: backup /tmp/x: denied"}, "ERROR Backup failed", true},
		{eventlog.Event{Level: slog.LevelWarn, Message: "Ignoring stale clientReset for P"}, "WARN Ignoring stale clientReset for P", true},
		{eventlog.Event{Level: slog.LevelInfo, Message: "Transferred 100 of 500…"}, "", false},
		{eventlog.Event{Level: slog.LevelInfo, Message: "Initial load: 500 records"}, "", false},
		{eventlog.Event{Level: slog.LevelInfo, Message: "Received 0 deleted, 1 inserted, 0 updates"}, "", false},
		{eventlog.Event{Level: slog.LevelInfo, Message: "moved /root/a/x to /root/a/y"}, "INFO moved $ROOT/x to $ROOT/y", true},
	}
	for _, tt := range tests {
		got, ok := normalize(tt.ev, "/root/a")
		assert.Equal(t, tt.keep, ok, tt.ev.Message)
		assert.Equal(t, tt.want, got)
	}
}

func TestCheckExpect(t *testing.T) {
	n, yes := 500, true
	obs := []Observation{
		{Key: "outcome", Value: "live"},
		{Key: "count", Value: "500"},
		{Key: "backup_exists", Value: "false"},
	}

	assert.Empty(t, checkExpect(nil, obs))
	assert.Empty(t, checkExpect(&Expect{Outcome: OutcomeLive, Count: &n}, obs))
	assert.Equal(t, []string{
		"backup_exists = false, want true",
		"registered not observed, want true",
	}, checkExpect(&Expect{BackupExists: &yes, Registered: &yes}, obs))
}

func TestResult_Render(t *testing.T) {
	r := NewResult()
	r.AddStep(1, ActionConnect)
	r.AddEvent(1, "INFO Logged in anonymous, syncing…")
	r.AddObservations(1, []Observation{{Key: "strategy", Value: "cold"}, {Key: "count", Value: "0"}})
	r.AddStep(2, ActionRestart)

	assert.Equal(t, "scenario: x\n[1] connect\n  INFO Logged in anonymous, syncing…\n  => strategy=cold count=0\n[2] restart\n",
		string(r.Render("x")))
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
}

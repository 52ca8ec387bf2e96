package process

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInfoCopiesInputs(t *testing.T) {
	args := []string{"--udid", "A"}
	env := map[string]string{"SIMULATOR_UDID": "A"}
	info := NewInfo(42, "/sbin/launchd_sim", args, env)

	args[1] = "B"
	env["SIMULATOR_UDID"] = "B"

	assert.Equal(t, []string{"--udid", "A"}, info.Arguments())
	v, ok := info.Env("SIMULATOR_UDID")
	require.True(t, ok)
	assert.Equal(t, "A", v)

	// accessors hand out copies too
	got := info.Arguments()
	got[0] = "mutated"
	assert.Equal(t, "--udid", info.Arguments()[0])
}

func TestInfoEqual(t *testing.T) {
	a := NewInfo(7, "/usr/bin/app", []string{"x"}, map[string]string{"K": "V"})
	b := NewInfo(7, "/usr/bin/app", []string{"x"}, map[string]string{"K": "V"}).WithStartedAt(time.Now())
	assert.True(t, a.Equal(b), "start time is advisory and not part of equality")

	c := NewInfo(8, "/usr/bin/app", []string{"x"}, map[string]string{"K": "V"})
	assert.False(t, a.Equal(c))
	d := NewInfo(7, "/usr/bin/app", []string{"y"}, map[string]string{"K": "V"})
	assert.False(t, a.Equal(d))
}

func TestInfoNameAndDescription(t *testing.T) {
	info := NewInfo(99, "/Applications/Simulator.app/Contents/MacOS/Simulator", nil, nil)
	assert.Equal(t, "Simulator", info.Name())
	assert.Equal(t, "Simulator(99)", info.ShortDescription())
	assert.True(t, Info{}.IsZero())
	assert.False(t, info.IsZero())
}

func TestInfoJSON(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	info := NewInfo(5, "/bin/agent", []string{"-v"}, map[string]string{"A": "1"}).WithStartedAt(started)
	b, err := json.Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"name":"agent"`)

	var back Info
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, info.Equal(back))
	assert.True(t, started.Equal(back.StartedAt()))
}

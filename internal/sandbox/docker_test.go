package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/internal/config"
)

// fakeDockerBinary writes a shell script standing in for the docker CLI, so
// the payload/result protocol is testable without a daemon.
func fakeDockerBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newDockerEnv(t *testing.T, script string) *Docker {
	t.Helper()
	env, err := NewDocker(config.DockerEnvConfig{
		Image:  "runner:test",
		Binary: fakeDockerBinary(t, script),
	}, 5*time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() { env.Teardown() })
	return env
}

func TestDockerNetworkMode(t *testing.T) {
	// Without a runtime the container gets no network.
	isolated := newDockerEnv(t, `exit 0`)
	assert.Equal(t, "none", isolated.networkMode())

	// With a runtime attached, the default network must route to the host
	// gateway.
	connected, err := NewDocker(config.DockerEnvConfig{
		Image:  "runner:test",
		Binary: fakeDockerBinary(t, `exit 0`),
	}, time.Second, &fakeRuntime{})
	require.NoError(t, err)
	t.Cleanup(func() { connected.Teardown() })
	assert.Equal(t, "bridge", connected.networkMode())

	override, err := NewDocker(config.DockerEnvConfig{
		Image:   "runner:test",
		Binary:  fakeDockerBinary(t, `exit 0`),
		Network: "custom-net",
	}, time.Second, &fakeRuntime{})
	require.NoError(t, err)
	t.Cleanup(func() { override.Teardown() })
	assert.Equal(t, "custom-net", override.networkMode())
}

func TestDockerRequiresImage(t *testing.T) {
	_, err := NewDocker(config.DockerEnvConfig{Binary: "/bin/true"}, 0, nil)
	require.Error(t, err)
}

func TestDockerExecute(t *testing.T) {
	env := newDockerEnv(t, `cat > /dev/null
echo '{"output":"hello from runner","var_names":["context","x"]}'`)

	result, err := env.Execute(context.Background(), `x := 1`)
	require.NoError(t, err)
	assert.Equal(t, "hello from runner", result.Output)
	assert.Equal(t, []string{"context", "x"}, result.VarNames)

	// A successful snippet joins the replay history.
	assert.Len(t, env.history, 1)
}

func TestDockerExecuteCodeError(t *testing.T) {
	env := newDockerEnv(t, `cat > /dev/null
echo '{"output":"","err_text":"undefined: y"}'`)

	result, err := env.Execute(context.Background(), `z := y`)
	require.NoError(t, err, "code errors are observations")
	assert.True(t, result.Failed())

	// Failed snippets are not replayed.
	assert.Empty(t, env.history)
}

func TestDockerExecuteRunnerCrash(t *testing.T) {
	env := newDockerEnv(t, `cat > /dev/null
echo "oom" >&2
exit 1`)

	_, err := env.Execute(context.Background(), `x := 1`)
	require.ErrorIs(t, err, ErrEnvironmentFatal)
	assert.Contains(t, err.Error(), "oom")
}

func TestDockerExecuteUnparseableOutput(t *testing.T) {
	env := newDockerEnv(t, `cat > /dev/null
echo "not json"`)

	_, err := env.Execute(context.Background(), `x := 1`)
	require.ErrorIs(t, err, ErrEnvironmentFatal)
}

func TestDockerBindAndHostRead(t *testing.T) {
	// Script never runs: reads with no history are answered host-side.
	env := newDockerEnv(t, `exit 1`)

	require.NoError(t, env.Bind("context", "doc body"))
	value, err := env.Read("context")
	require.NoError(t, err)
	assert.Equal(t, "doc body", value)

	_, err = env.Read("missing")
	require.ErrorIs(t, err, ErrNameNotFound)
}

func TestDockerBindValidation(t *testing.T) {
	env := newDockerEnv(t, `exit 1`)

	require.Error(t, env.Bind("not a name", "x"))
	err := env.Bind("ch", make(chan int))
	require.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestDockerReset(t *testing.T) {
	env := newDockerEnv(t, `cat > /dev/null
echo '{"output":"ok"}'`)

	require.NoError(t, env.Bind("context", "x"))
	_, err := env.Execute(context.Background(), `y := 1`)
	require.NoError(t, err)

	require.NoError(t, env.Reset())
	assert.Empty(t, env.history)
	assert.Empty(t, env.bindings)
}

func TestDockerTeardown(t *testing.T) {
	env := newDockerEnv(t, `exit 0`)

	require.NoError(t, env.Teardown())
	require.NoError(t, env.Teardown(), "teardown is idempotent")

	_, err := env.Execute(context.Background(), `x := 1`)
	require.ErrorIs(t, err, ErrEnvironmentFatal)
}

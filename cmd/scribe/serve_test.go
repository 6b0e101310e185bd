package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/scribe/pkg/ipc"
)

type fakeServer struct {
	started bool
}

func (s *fakeServer) Start(context.Context) error {
	s.started = true
	return nil
}

func TestServeCommand_WiresServer(t *testing.T) {
	testConfig(t, "")
	quiet := quietMode
	quietMode = true
	t.Cleanup(func() { quietMode = quiet })

	var (
		gotCfg  ipc.Config
		gotDeps ipc.Deps
		server  = &fakeServer{}
	)
	prev := serveNewServerFn
	serveNewServerFn = func(cfg ipc.Config, deps ipc.Deps) ipcServer {
		gotCfg, gotDeps = cfg, deps
		return server
	}
	t.Cleanup(func() { serveNewServerFn = prev })

	err := runServeCommand([]string{
		"--bind", "127.0.0.1:0",
		"--auth-token", "secret",
		"--allow-origin", "https://notes.example,https://docs.example",
		"--watch-config=false",
	})
	require.NoError(t, err)
	assert.True(t, server.started)

	assert.Equal(t, "127.0.0.1:0", gotCfg.BindAddress)
	assert.Equal(t, "secret", gotCfg.AuthToken)
	assert.Contains(t, gotCfg.AllowedOrigins, "https://notes.example")
	assert.Contains(t, gotCfg.AllowedOrigins, "https://docs.example")
	assert.Contains(t, gotCfg.AllowedOrigins, "http://localhost")
	assert.Equal(t, version, gotCfg.Version)

	assert.NotNil(t, gotDeps.Store)
	assert.NotNil(t, gotDeps.Controller)
	assert.NotNil(t, gotDeps.Settings)
	assert.NotNil(t, gotDeps.Bus)
	assert.Equal(t, "scribe", gotDeps.Subjects.Prefix)
}

func TestStringListValue(t *testing.T) {
	var origins []string
	v := &stringListValue{target: &origins}
	require.NoError(t, v.Set("https://a.example, https://b.example"))
	require.NoError(t, v.Set("https://c.example"))
	assert.Equal(t, []string{"https://a.example", "https://b.example", "https://c.example"}, origins)
	assert.Equal(t, "https://a.example,https://b.example,https://c.example", v.String())
}

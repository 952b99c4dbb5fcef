package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shhac/burrow/internal/testutil"
)

func TestBuildBody(t *testing.T) {
	file := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"name": "from file"}`), 0o644))

	tests := []struct {
		name  string
		data  string
		sets  []string
		stdin string
		want  string
	}{
		{name: "empty", want: `{}`},
		{name: "literal", data: `{"name": "x"}`, want: `{"name": "x"}`},
		{name: "file", data: "@" + file, want: `{"name": "from file"}`},
		{name: "stdin", data: "-", stdin: `{"name": "piped"}`, want: `{"name": "piped"}`},
		{name: "set string", sets: []string{"name=world"}, want: `{"name": "world"}`},
		{name: "set raw", sets: []string{"f_int32=7", "f_bool=true", "nested.label=\"a\""}, want: `{"f_int32": 7, "f_bool": true, "nested": {"label": "a"}}`},
		{name: "set over data", data: `{"name": "x", "keep": 1}`, sets: []string{"name=y"}, want: `{"name": "y", "keep": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildBody(tt.data, tt.sets, strings.NewReader(tt.stdin))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, got)
		})
	}

	_, err := buildBody("", []string{"novalue"}, nil)
	assert.Error(t, err)
	_, err = buildBody("@"+filepath.Join(t.TempDir(), "missing.json"), nil, nil)
	assert.Error(t, err)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func cliEnv(t *testing.T) string {
	t.Helper()
	state := t.TempDir()
	t.Setenv("BURROW_CONFIG_DIR", state)
	t.Setenv("BURROW_LOG_FILE", filepath.Join(state, "burrow.log"))
	t.Setenv("BURROW_STORAGE_PATH", state)
	t.Chdir(t.TempDir())
	return testutil.WriteSources(t, t.TempDir())
}

func TestCLI_ListAndCall(t *testing.T) {
	protos := cliEnv(t)
	srv := testutil.StartServer(t)
	src := []string{"--include", protos, "--proto", testutil.GreeterFile}

	out, err := runCLI(t, append([]string{"list"}, src...)...)
	require.NoError(t, err)
	assert.Equal(t, "helloworld.Greeter (2 methods)\n", out)

	out, err = runCLI(t, append([]string{"list", "helloworld.Greeter"}, src...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "/helloworld.Greeter/SayHello(helloworld.HelloRequest) returns (helloworld.HelloReply) [Unary]")
	assert.Contains(t, out, "[ServerStream]")

	out, err = runCLI(t, append([]string{"call", "helloworld.Greeter/SayHello",
		"--address", srv.Addr, "--set", "name=cli", "-H", "x-tenant: acme"}, src...)...)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message": "Hello cli"}`, out)
	require.Len(t, srv.Incoming(), 1)
	assert.Equal(t, []string{"acme"}, srv.Incoming()[0].Get("x-tenant"))
}

func TestCLI_SaveAndReuse(t *testing.T) {
	protos := cliEnv(t)

	_, err := runCLI(t, "save", "greeter", "--include", protos, "--proto", testutil.GreeterFile)
	require.NoError(t, err)

	out, err := runCLI(t, "save", "--list")
	require.NoError(t, err)
	assert.Equal(t, "greeter\n", out)

	out, err = runCLI(t, "template", "helloworld.Greeter/SayHello", "--saved", "greeter")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name": ""}`, out)
}

func TestCLI_Errors(t *testing.T) {
	protos := cliEnv(t)

	_, err := runCLI(t, "list")
	assert.Error(t, err, "no descriptor sources")

	_, err = runCLI(t, "call", "helloworld.Greeter/SayHello", "-H", "broken",
		"--include", protos, "--proto", testutil.GreeterFile)
	assert.Error(t, err)

	_, err = runCLI(t, "save")
	assert.Error(t, err)
}

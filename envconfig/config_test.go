package envconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the settings file lookup at an empty home directory.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	ReloadFileConfig()
	t.Cleanup(ReloadFileConfig)
	return home
}

func TestConfig(t *testing.T) {
	isolate(t)

	t.Setenv("ZOO_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("ZOO_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("ZOO_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)
	t.Setenv("ZOO_OFFLINE", "true")
	LoadConfig()
	require.True(t, Offline)
}

func TestDefaults(t *testing.T) {
	home := isolate(t)
	for _, k := range []string{"ZOO_HOME", "ZOO_CACHE", "ZOO_DEVICE", "ZOO_RANK", "ZOO_WORLD_SIZE", "ZOO_MASTER_ADDR"} {
		t.Setenv(k, "")
	}

	LoadConfig()
	assert.Equal(t, filepath.Join(home, ".zoo"), Home)
	assert.Equal(t, filepath.Join(home, ".zoo", "cache"), Cache)
	assert.Equal(t, "cpu", Device)
	assert.Equal(t, 0, Rank)
	assert.Equal(t, 1, WorldSize)
	assert.Equal(t, "127.0.0.1:29500", MasterAddr)
}

func TestWorldRank(t *testing.T) {
	isolate(t)

	cases := map[string]struct {
		rank, size         string
		expectRank, expect int
	}{
		"valid":          {"1", "4", 1, 4},
		"negative rank":  {"-1", "2", 0, 2},
		"zero world":     {"0", "0", 0, 1},
		"rank too large": {"3", "2", 0, 2},
		"garbage":        {"x", "y", 0, 1},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("ZOO_RANK", tt.rank)
			t.Setenv("ZOO_WORLD_SIZE", tt.size)
			LoadConfig()
			assert.Equal(t, tt.expectRank, Rank)
			assert.Equal(t, tt.expect, WorldSize)
		})
	}
}

func TestHostFromEnvironment(t *testing.T) {
	isolate(t)

	type testCase struct {
		value  string
		expect string
		err    error
	}

	hostTestCases := map[string]*testCase{
		"empty":               {value: "", expect: "127.0.0.1:7860"},
		"only address":        {value: "1.2.3.4", expect: "1.2.3.4:7860"},
		"only port":           {value: ":1234", expect: ":1234"},
		"address and port":    {value: "1.2.3.4:1234", expect: "1.2.3.4:1234"},
		"hostname":            {value: "example.com", expect: "example.com:7860"},
		"hostname and port":   {value: "example.com:1234", expect: "example.com:1234"},
		"too large port":      {value: ":66000", err: ErrInvalidHostPort},
		"too small port":      {value: ":-1", err: ErrInvalidHostPort},
		"ipv6 localhost":      {value: "[::1]", expect: "[::1]:7860"},
		"ipv6 no brackets":    {value: "::1", expect: "[::1]:7860"},
		"ipv6 + port":         {value: "[::1]:1337", expect: "[::1]:1337"},
		"extra space":         {value: " 1.2.3.4 ", expect: "1.2.3.4:7860"},
		"extra quotes":        {value: "\"1.2.3.4\"", expect: "1.2.3.4:7860"},
		"extra single quotes": {value: "'1.2.3.4'", expect: "1.2.3.4:7860"},
	}

	for k, v := range hostTestCases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("ZOO_HOST", v.value)
			LoadConfig()

			zh, err := getZooHost()
			if err != v.err {
				t.Fatalf("expected %s, got %s", v.err, err)
			}

			if err == nil {
				assert.Equal(t, v.expect, zh.String(), fmt.Sprintf("%s: expected %s, got %s", k, v.expect, zh.String()))
			}
		})
	}
}

func TestFileConfigFallback(t *testing.T) {
	home := isolate(t)

	dir := filepath.Join(home, ".zoo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(ExampleConfig()), 0o644))
	ReloadFileConfig()

	t.Setenv("ZOO_DEVICE", "")
	t.Setenv("ZOO_MASTER_ADDR", "10.0.0.1:1")
	t.Setenv("ZOO_CACHE", "")
	LoadConfig()

	assert.Equal(t, "cpu", Device)
	assert.Equal(t, "/path/to/cache", Cache)
	// environment wins over the file
	assert.Equal(t, "10.0.0.1:1", MasterAddr)
	assert.Equal(t, "/path/to/zoo.yaml", ConfigPath)
}

func TestAsMap(t *testing.T) {
	isolate(t)
	LoadConfig()

	m := AsMap()
	for k, v := range m {
		assert.Equal(t, k, v.Name)
		assert.NotEmpty(t, v.Description, k)
	}
	assert.Contains(t, Values(), "ZOO_DEVICE")
}

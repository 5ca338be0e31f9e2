package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// FileConfig is the TOML settings file. Environment variables take
// precedence over every value here.
type FileConfig struct {
	Server struct {
		Host    string   `toml:"host"`
		Origins []string `toml:"origins"`
	} `toml:"server"`

	Runtime struct {
		Home   string `toml:"home"`
		Device string `toml:"device"`
		Config string `toml:"config"`
		Debug  bool   `toml:"debug"`
	} `toml:"runtime"`

	Cache struct {
		Path    string `toml:"path"`
		Offline bool   `toml:"offline"`
	} `toml:"cache"`

	Distributed struct {
		Rank       int    `toml:"rank"`
		WorldSize  int    `toml:"world_size"`
		MasterAddr string `toml:"master_addr"`
	} `toml:"distributed"`
}

var (
	fileConfigMu   sync.Mutex
	fileConfig     *FileConfig
	fileConfigPath string
	fileConfigRead bool
)

// ConfigPaths returns the list of possible settings file paths for the current OS
func ConfigPaths() []string {
	var paths []string

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "zoo", "config.toml"))
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			paths = append(paths, filepath.Join(userProfile, ".zoo", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "zoo", "config.toml"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths,
				filepath.Join(home, ".config", "zoo", "config.toml"),
				filepath.Join(home, ".zoo", "config.toml"),
			)
		}
	}

	return paths
}

func loadFileConfig() (*FileConfig, string, error) {
	for _, path := range ConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg FileConfig
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// ReloadFileConfig drops the cached settings file so the next lookup reads it again.
func ReloadFileConfig() {
	fileConfigMu.Lock()
	defer fileConfigMu.Unlock()
	fileConfig, fileConfigPath, fileConfigRead = nil, "", false
}

// GetConfigValue returns the value for a given environment variable key from the settings file
func GetConfigValue(key string) string {
	fileConfigMu.Lock()
	if !fileConfigRead {
		var err error
		fileConfig, fileConfigPath, err = loadFileConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if fileConfig != nil {
			slog.Debug("loaded config file", "path", fileConfigPath)
		}
		fileConfigRead = true
	}
	cfg := fileConfig
	fileConfigMu.Unlock()

	if cfg == nil {
		return ""
	}

	switch key {
	case "ZOO_HOST":
		return cfg.Server.Host
	case "ZOO_ORIGINS":
		return strings.Join(cfg.Server.Origins, ",")
	case "ZOO_HOME":
		return cfg.Runtime.Home
	case "ZOO_DEVICE":
		return cfg.Runtime.Device
	case "ZOO_CONFIG":
		return cfg.Runtime.Config
	case "ZOO_DEBUG":
		if cfg.Runtime.Debug {
			return "true"
		}
	case "ZOO_CACHE":
		return cfg.Cache.Path
	case "ZOO_OFFLINE":
		if cfg.Cache.Offline {
			return "true"
		}
	case "ZOO_RANK":
		if cfg.Distributed.Rank > 0 {
			return strconv.Itoa(cfg.Distributed.Rank)
		}
	case "ZOO_WORLD_SIZE":
		if cfg.Distributed.WorldSize > 0 {
			return strconv.Itoa(cfg.Distributed.WorldSize)
		}
	case "ZOO_MASTER_ADDR":
		return cfg.Distributed.MasterAddr
	}

	return ""
}

// ExampleConfig returns a commented example settings file
func ExampleConfig() string {
	return `# zoo settings file

[server]
# Web UI binding address (default: "127.0.0.1:7860")
host = "127.0.0.1:7860"
origins = ["http://localhost:3000"]

[runtime]
# Default device for pipelines (default: "cpu")
device = "cpu"
# Default configuration file for infer and serve
config = "/path/to/zoo.yaml"
debug = false

[cache]
# Directory for downloaded pretrained resources
path = "/path/to/cache"
offline = false

[distributed]
rank = 0
world_size = 1
master_addr = "127.0.0.1:29500"
`
}

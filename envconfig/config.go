package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// Set via ZOO_ORIGINS in the environment
	AllowOrigins []string
	// Set via ZOO_CACHE in the environment
	Cache string
	// Set via ZOO_CONFIG in the environment
	ConfigPath string
	// Set via ZOO_DEBUG in the environment
	Debug bool
	// Set via ZOO_DEVICE in the environment
	Device string
	// Set via ZOO_HOME in the environment
	Home string
	// Set via ZOO_HOST in the environment
	Host *ZooHost
	// Set via ZOO_MASTER_ADDR in the environment
	MasterAddr string
	// Set via ZOO_OFFLINE in the environment
	Offline bool
	// Set via ZOO_RANK in the environment
	Rank int
	// Set via ZOO_WORLD_SIZE in the environment
	WorldSize int
)

var ErrInvalidHostPort = errors.New("invalid port specified in ZOO_HOST")

type ZooHost struct {
	Scheme string
	Host   string
	Port   string
}

func (h ZooHost) String() string {
	return net.JoinHostPort(h.Host, h.Port)
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ZOO_CACHE":       {"ZOO_CACHE", Cache, "Directory for downloaded pretrained resources (default $ZOO_HOME/cache)"},
		"ZOO_CONFIG":      {"ZOO_CONFIG", ConfigPath, "Default configuration file for infer and serve"},
		"ZOO_DEBUG":       {"ZOO_DEBUG", Debug, "Show additional debug information (e.g. ZOO_DEBUG=1)"},
		"ZOO_DEVICE":      {"ZOO_DEVICE", Device, "Default device for pipelines (default \"cpu\")"},
		"ZOO_HOME":        {"ZOO_HOME", Home, "Root directory for zoo state (default ~/.zoo)"},
		"ZOO_HOST":        {"ZOO_HOST", Host, "IP Address for the web UI server (default 127.0.0.1:7860)"},
		"ZOO_MASTER_ADDR": {"ZOO_MASTER_ADDR", MasterAddr, "Rendezvous address of rank 0 (default 127.0.0.1:29500)"},
		"ZOO_OFFLINE":     {"ZOO_OFFLINE", Offline, "Never download, only use cached resources"},
		"ZOO_ORIGINS":     {"ZOO_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"ZOO_RANK":        {"ZOO_RANK", Rank, "Rank of this worker in the distributed group"},
		"ZOO_WORLD_SIZE":  {"ZOO_WORLD_SIZE", WorldSize, "Number of workers in the distributed group (default 1)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup prefers the environment and falls back to the config file
func lookup(key string) string {
	if s := clean(key); s != "" {
		return s
	}

	return strings.Trim(GetConfigValue(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	if debug := lookup("ZOO_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	Home = lookup("ZOO_HOME")
	if Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("failed to lookup home directory", "error", err)
			home = os.TempDir()
		}
		Home = filepath.Join(home, ".zoo")
	}

	Cache = lookup("ZOO_CACHE")
	if Cache == "" {
		Cache = filepath.Join(Home, "cache")
	}

	ConfigPath = lookup("ZOO_CONFIG")

	Device = lookup("ZOO_DEVICE")
	if Device == "" {
		Device = "cpu"
	}

	Offline = false
	if offline := lookup("ZOO_OFFLINE"); offline != "" {
		o, err := strconv.ParseBool(offline)
		if err != nil {
			slog.Error("invalid setting, ignoring", "ZOO_OFFLINE", offline, "error", err)
		} else {
			Offline = o
		}
	}

	Rank = 0
	if rank := lookup("ZOO_RANK"); rank != "" {
		r, err := strconv.Atoi(rank)
		if err != nil || r < 0 {
			slog.Error("invalid setting must be zero or greater", "ZOO_RANK", rank, "error", err)
		} else {
			Rank = r
		}
	}

	WorldSize = 1
	if size := lookup("ZOO_WORLD_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			slog.Error("invalid setting must be greater than zero", "ZOO_WORLD_SIZE", size, "error", err)
		} else {
			WorldSize = n
		}
	}

	if Rank >= WorldSize {
		slog.Error("invalid setting, rank outside world", "ZOO_RANK", Rank, "ZOO_WORLD_SIZE", WorldSize)
		Rank = 0
	}

	MasterAddr = lookup("ZOO_MASTER_ADDR")
	if MasterAddr == "" {
		MasterAddr = "127.0.0.1:29500"
	}

	AllowOrigins = nil
	if origins := lookup("ZOO_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}

	var err error
	Host, err = getZooHost()
	if err != nil {
		slog.Error("invalid setting", "ZOO_HOST", lookup("ZOO_HOST"), "error", err, "using default port", Host.Port)
	}
}

func getZooHost() (*ZooHost, error) {
	defaultPort := "7860"

	hostVar := lookup("ZOO_HOST")

	scheme, hostport, ok := strings.Cut(hostVar, "://")
	switch {
	case !ok:
		scheme, hostport = "http", hostVar
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	// trim trailing slashes
	hostport = strings.TrimRight(hostport, "/")

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return &ZooHost{
			Scheme: scheme,
			Host:   host,
			Port:   defaultPort,
		}, ErrInvalidHostPort
	}

	return &ZooHost{
		Scheme: scheme,
		Host:   host,
		Port:   port,
	}, nil
}

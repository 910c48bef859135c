package netclock

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AndrewLester/netclock/internal/ntp"
	"gopkg.in/yaml.v2"
)

const MINPOLL int8 = 3 // minimum poll exponent accepted in config (8 s)

// ParseConfig reads an ntp.conf style file, or YAML when the file ends in
// .yaml or .yml. Server addresses are returned as written.
func ParseConfig(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	defer file.Close()

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return ReadYAMLConfig(file)
	default:
		return ReadConfig(file)
	}
}

// ReadConfig parses the ntp.conf dialect:
//
//	server <host> [iburst] [version 4] [minpoll N] [maxpoll N]
//	tolerance <ms>
//	maxdisp <ms>
//	mindelta <ms>
//	highwater <0..1>
//	timeout <duration>
//	hold <duration>
//	stale <duration>
func ReadConfig(r io.Reader) (Config, error) {
	config := Config{}

	lineNumber := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNumber++
		arguments := strings.Fields(scanner.Text())
		if len(arguments) == 0 || strings.HasPrefix(arguments[0], "#") {
			continue
		}

		if err := parseLine(&config, arguments); err != nil {
			return Config{}, fmt.Errorf("config line %d: %w", lineNumber, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func parseLine(config *Config, arguments []string) error {
	switch arguments[0] {
	case "server":
		server, err := parseServer(arguments)
		if err != nil {
			return err
		}
		config.Servers = append(config.Servers, server)
	case "tolerance":
		return millisecondsArgument(arguments, &config.Aggregation.ClusterTolerance)
	case "maxdisp":
		return millisecondsArgument(arguments, &config.Aggregation.MaxDispersion)
	case "mindelta":
		return millisecondsArgument(arguments, &config.Publisher.MinChange)
	case "timeout":
		return durationArgument(arguments, &config.Poll.Timeout)
	case "hold":
		return durationArgument(arguments, &config.Aggregation.HoldTimeout)
	case "stale":
		return durationArgument(arguments, &config.Aggregation.StaleAfter)
	case "highwater":
		if len(arguments) != 2 {
			return fmt.Errorf("highwater takes one value")
		}
		value, err := strconv.ParseFloat(arguments[1], 64)
		if err != nil || value <= 0 || value > 1 {
			return fmt.Errorf("highwater must be in (0, 1], got %q", arguments[1])
		}
		config.Publisher.HighWater = value
	default:
		return fmt.Errorf("invalid command %q", arguments[0])
	}
	return nil
}

func parseServer(arguments []string) (ServerConfig, error) {
	if len(arguments) < 2 {
		return ServerConfig{}, fmt.Errorf("missing required argument \"address\"")
	}

	iburst := optionalArgument("iburst", &arguments)
	version, err := integerArgument("version", int(ntp.VERSION), &arguments)
	if err != nil {
		return ServerConfig{}, err
	}
	minpoll, err := integerArgument("minpoll", 0, &arguments)
	if err != nil {
		return ServerConfig{}, err
	}
	maxpoll, err := integerArgument("maxpoll", 0, &arguments)
	if err != nil {
		return ServerConfig{}, err
	}

	if len(arguments) > 2 {
		return ServerConfig{}, fmt.Errorf("invalid argument %q", arguments[2])
	}
	if version != int(ntp.VERSION) {
		return ServerConfig{}, fmt.Errorf("only NTP version %d is supported", ntp.VERSION)
	}
	if minpoll != 0 && minpoll < int(MINPOLL) {
		return ServerConfig{}, fmt.Errorf("minpoll must be greater than or equal to %d", MINPOLL)
	}
	if maxpoll > int(ntp.MAXPOLL) {
		return ServerConfig{}, fmt.Errorf("maxpoll must be less than or equal to %d", ntp.MAXPOLL)
	}
	if minpoll != 0 && maxpoll != 0 && minpoll > maxpoll {
		return ServerConfig{}, fmt.Errorf("minpoll must be less than maxpoll")
	}

	return ServerConfig{
		Address: arguments[1],
		Burst:   iburst,
		MinPoll: int8(minpoll),
		MaxPoll: int8(maxpoll),
	}, nil
}

func optionalArgument(name string, arguments *[]string) bool {
	for i, argument := range *arguments {
		if name == argument {
			removeIndex(arguments, i)
			return true
		}
	}
	return false
}

func integerArgument(name string, initial int, arguments *[]string) (int, error) {
	valueStr, err := stringArgument(name, strconv.Itoa(initial), arguments)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("%s argument requires an integer value", name)
	}
	return value, nil
}

func stringArgument(name string, initial string, arguments *[]string) (string, error) {
	for i, argument := range *arguments {
		if name == argument {
			if i == len(*arguments)-1 {
				return "", fmt.Errorf("no value supplied for argument %q", argument)
			}

			value := (*arguments)[i+1]
			removeIndex(arguments, i)
			removeIndex(arguments, i)
			return value, nil
		}
	}
	return initial, nil
}

func removeIndex[T any](s *[]T, index int) {
	ret := make([]T, 0, len(*s)-1)
	ret = append(ret, (*s)[:index]...)
	ret = append(ret, (*s)[index+1:]...)
	*s = ret
}

func millisecondsArgument(arguments []string, target *time.Duration) error {
	if len(arguments) != 2 {
		return fmt.Errorf("%s takes one value in milliseconds", arguments[0])
	}
	value, err := strconv.ParseFloat(arguments[1], 64)
	if err != nil || value <= 0 {
		return fmt.Errorf("%s requires a positive number of milliseconds, got %q", arguments[0], arguments[1])
	}
	*target = time.Duration(value * float64(time.Millisecond))
	return nil
}

func durationArgument(arguments []string, target *time.Duration) error {
	if len(arguments) != 2 {
		return fmt.Errorf("%s takes one duration", arguments[0])
	}
	value, err := time.ParseDuration(arguments[1])
	if err != nil || value <= 0 {
		return fmt.Errorf("%s requires a positive duration, got %q", arguments[0], arguments[1])
	}
	*target = value
	return nil
}

// Duration accepts "250ms" style strings in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	value, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(value)
	return nil
}

type yamlServer struct {
	Address string `yaml:"address"`
	IBurst  bool   `yaml:"iburst"`
	MinPoll int8   `yaml:"minpoll"`
	MaxPoll int8   `yaml:"maxpoll"`
}

type yamlConfig struct {
	Servers []yamlServer `yaml:"servers"`
	Poll    struct {
		MinInterval      Duration `yaml:"min_interval"`
		MaxInterval      Duration `yaml:"max_interval"`
		Timeout          Duration `yaml:"timeout"`
		BurstCount       int      `yaml:"burst_count"`
		BurstInterval    Duration `yaml:"burst_interval"`
		UnreachableAfter int      `yaml:"unreachable_after"`
	} `yaml:"poll"`
	Aggregation struct {
		Tolerance     Duration `yaml:"tolerance"`
		MaxDispersion Duration `yaml:"max_dispersion"`
		MaxSampleAge  Duration `yaml:"max_sample_age"`
		Hold          Duration `yaml:"hold"`
		Stale         Duration `yaml:"stale"`
	} `yaml:"aggregation"`
	Publisher struct {
		HighWater float64  `yaml:"high_water"`
		MinChange Duration `yaml:"min_change"`
	} `yaml:"publisher"`
}

func ReadYAMLConfig(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}

	var raw yamlConfig
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parsing yaml config: %w", err)
	}

	config := Config{
		Poll: PollPolicy{
			MinInterval:      time.Duration(raw.Poll.MinInterval),
			MaxInterval:      time.Duration(raw.Poll.MaxInterval),
			Timeout:          time.Duration(raw.Poll.Timeout),
			BurstCount:       raw.Poll.BurstCount,
			BurstInterval:    time.Duration(raw.Poll.BurstInterval),
			UnreachableAfter: raw.Poll.UnreachableAfter,
		},
		Aggregation: AggregatorConfig{
			ClusterTolerance: time.Duration(raw.Aggregation.Tolerance),
			MaxDispersion:    time.Duration(raw.Aggregation.MaxDispersion),
			MaxSampleAge:     time.Duration(raw.Aggregation.MaxSampleAge),
			HoldTimeout:      time.Duration(raw.Aggregation.Hold),
			StaleAfter:       time.Duration(raw.Aggregation.Stale),
		},
		Publisher: PublisherConfig{
			HighWater: raw.Publisher.HighWater,
			MinChange: time.Duration(raw.Publisher.MinChange),
		},
	}

	for i, s := range raw.Servers {
		if s.Address == "" {
			return Config{}, fmt.Errorf("server %d: missing address", i)
		}
		if s.MinPoll != 0 && s.MaxPoll != 0 && s.MinPoll > s.MaxPoll {
			return Config{}, fmt.Errorf("server %s: minpoll must be less than maxpoll", s.Address)
		}
		config.Servers = append(config.Servers, ServerConfig{
			Address: s.Address,
			Burst:   s.IBurst,
			MinPoll: s.MinPoll,
			MaxPoll: s.MaxPoll,
		})
	}

	return config, nil
}

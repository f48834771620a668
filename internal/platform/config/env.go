package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvironmentValues returns the merged key/value view Load reads from: .env, then the process
// environment, then any explicit map, later sources winning.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	sources, err := options.sources()
	if err != nil {
		return nil, err
	}
	values := make(map[string]string)
	for _, source := range sources {
		for key, value := range source {
			values[key] = value
		}
	}
	return values, nil
}

func (o loaderOptions) sources() ([]map[string]string, error) {
	dotEnv, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	sources := []map[string]string{dotEnv}
	if o.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				system[strings.TrimSpace(key)] = value
			}
		}
		sources = append(sources, system)
	}
	if o.envMap != nil {
		sources = append(sources, o.envMap)
	}
	return sources, nil
}

// readDotEnv parses KEY=VALUE lines. A missing file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	values := make(map[string]string)
	if path == "" {
		return values, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}

// envReader reads typed values and remembers every variable whose value could not be parsed, so a
// typo such as API_CHECKOUT_STAGING_RETENTION=7d fails startup instead of silently using the default.
type envReader struct {
	sources []map[string]string
	invalid []string
}

func (r *envReader) raw(key string) string {
	for i := len(r.sources) - 1; i >= 0; i-- {
		if value, ok := r.sources[i][key]; ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func (r *envReader) str(key, fallback string) string {
	if value := r.raw(key); value != "" {
		return value
	}
	return fallback
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	value := r.raw(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return fallback
	}
	return d
}

func (r *envReader) integer(key string, fallback int) int {
	value := r.raw(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return fallback
	}
	return n
}

func (r *envReader) boolean(key string, fallback bool) bool {
	value := r.raw(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return fallback
	}
	return b
}

func (r *envReader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(r.raw(key), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

package core

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadSecretsEnv reads KEY=VALUE pairs from path, or from secrets.env in
// ConfigDir when path is empty. Blank lines and # comments are skipped, values
// may be quoted. A missing file yields an empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(ConfigDir(), "secrets.env")
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil // not fatal if missing
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, s.Err()
}

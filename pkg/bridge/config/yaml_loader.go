package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarRe matches ${VAR} references in the raw YAML text. Bare $VAR is
// left alone so untagged dollar signs survive.
var envVarRe = regexp.MustCompile(`\$\{(\w+)\}`)

// YAMLLoader reads a Config from a YAML file. ${VAR} references anywhere in
// the file are expanded from the environment before parsing, so tokens and
// URLs can stay out of the file itself.
type YAMLLoader struct {
	path string
}

// NewYAMLLoader creates a loader for the given file path.
func NewYAMLLoader(path string) *YAMLLoader {
	return &YAMLLoader{path: path}
}

// Load parses the file over the operational defaults. Unknown keys are an
// error; an empty file yields the defaults unchanged.
func (l *YAMLLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := envVarRe.ReplaceAllStringFunc(string(data), func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %s: %w", l.path, err)
	}
	return cfg, nil
}

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownServer is returned for names missing from the registry.
var ErrUnknownServer = errors.New("unknown server")

// ServerConfig describes how to launch one worker.
type ServerConfig struct {
	Name         string   `yaml:"name" json:"name"`
	DisplayName  string   `yaml:"display_name" json:"display_name"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	Command      string   `yaml:"command" json:"command"`
	Args         []string `yaml:"args,omitempty" json:"args,omitempty"`
	Cwd          string   `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Env          []string `yaml:"env,omitempty" json:"env,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

type registryFile struct {
	Servers []ServerConfig `yaml:"servers"`
}

// Registry is the static name -> config table. It is never mutated after
// construction.
type Registry struct {
	servers map[string]ServerConfig
	names   []string
}

// NewRegistry validates cfgs and builds a registry.
func NewRegistry(cfgs ...ServerConfig) (*Registry, error) {
	r := &Registry{servers: make(map[string]ServerConfig, len(cfgs))}
	for _, cfg := range cfgs {
		cfg.Name = strings.TrimSpace(cfg.Name)
		if cfg.Name == "" {
			return nil, errors.New("server name required")
		}
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("server %s: command required", cfg.Name)
		}
		if _, dup := r.servers[cfg.Name]; dup {
			return nil, fmt.Errorf("server %s: duplicate name", cfg.Name)
		}
		if cfg.DisplayName == "" {
			cfg.DisplayName = cfg.Name
		}
		r.servers[cfg.Name] = cfg.clone()
		r.names = append(r.names, cfg.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// ParseRegistry decodes a YAML server table.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse server table: %w", err)
	}
	return NewRegistry(file.Servers...)
}

// LoadRegistry reads a YAML server table from path. Relative working
// directories are resolved against the file's directory.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range file.Servers {
		cwd := file.Servers[i].Cwd
		if cwd != "" && !filepath.IsAbs(cwd) {
			file.Servers[i].Cwd = filepath.Join(base, cwd)
		}
	}
	return NewRegistry(file.Servers...)
}

// Lookup returns a copy of the named config.
func (r *Registry) Lookup(name string) (ServerConfig, bool) {
	cfg, ok := r.servers[name]
	if !ok {
		return ServerConfig{}, false
	}
	return cfg.clone(), true
}

// Names lists configured servers in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len reports the number of configured servers.
func (r *Registry) Len() int {
	return len(r.names)
}

func (c ServerConfig) clone() ServerConfig {
	c.Args = append([]string(nil), c.Args...)
	c.Env = append([]string(nil), c.Env...)
	c.Capabilities = append([]string(nil), c.Capabilities...)
	return c
}

package lifecycle

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pmkol/offsync/pkg/cache"
	"github.com/pmkol/offsync/pkg/classify"
)

// Manifest describes one deployed version: the namespaces to install and
// the URLs each one must hold before the version can be activated.
type Manifest struct {
	Version     string          `yaml:"version"`
	SkipWaiting bool            `yaml:"skip_waiting"`
	Namespaces  []NamespaceSpec `yaml:"namespaces"`
}

type NamespaceSpec struct {
	Name     string   `yaml:"name"`
	Priority string   `yaml:"priority"`
	URLs     []string `yaml:"urls"`
}

func ParseManifest(b []byte) (*Manifest, error) {
	m := new(Manifest)
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseManifest(b)
}

func (m *Manifest) Validate() error {
	if m.Version == "" {
		return errors.New("manifest version is empty")
	}
	if strings.ContainsAny(m.Version, " /:") {
		return fmt.Errorf("invalid manifest version %q", m.Version)
	}
	known := make(map[string]bool)
	for _, n := range classify.Namespaces() {
		known[n] = true
	}
	seen := make(map[string]bool)
	for i, ns := range m.Namespaces {
		if !known[ns.Name] {
			return fmt.Errorf("namespace #%d: unknown namespace %q", i, ns.Name)
		}
		if seen[ns.Name] {
			return fmt.Errorf("namespace #%d: duplicate namespace %q", i, ns.Name)
		}
		seen[ns.Name] = true
		if _, err := cache.ParsePriority(ns.Priority); err != nil {
			return fmt.Errorf("namespace %s: %w", ns.Name, err)
		}
	}
	return nil
}

func (m *Manifest) has(name string) bool {
	for _, ns := range m.Namespaces {
		if ns.Name == name {
			return true
		}
	}
	return false
}

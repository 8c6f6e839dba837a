package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type manifestDocument struct {
	Manifest Manifest `koanf:"manifest"`
}

// LoadManifest reads a precache manifest from a YAML, JSON or TOML file. The
// document may carry the manifest at the top level or under a "manifest" key.
func LoadManifest(ctx context.Context, path string) (Manifest, error) {
	select {
	case <-ctx.Done():
		return Manifest{}, ctx.Err()
	default:
	}
	if err := ensureFileExists(path); err != nil {
		return Manifest{}, err
	}
	parser, err := parserFor(path)
	if err != nil {
		return Manifest{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Manifest{}, fmt.Errorf("config: load manifest from %s: %w", path, err)
	}

	var manifest Manifest
	if k.Exists("manifest") {
		var doc manifestDocument
		if err := k.Unmarshal("", &doc); err != nil {
			return Manifest{}, fmt.Errorf("config: decode manifest from %s: %w", path, err)
		}
		manifest = doc.Manifest
	} else if err := k.Unmarshal("", &manifest); err != nil {
		return Manifest{}, fmt.Errorf("config: decode manifest from %s: %w", path, err)
	}
	if err := manifest.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("%w (%s)", err, path)
	}
	return manifest, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: manifest file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: manifest file %s: expected a file, found directory", path)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

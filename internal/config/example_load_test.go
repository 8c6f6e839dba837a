package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfigs(t *testing.T) {
	// Get the project root (config package is at internal/config)
	wd, err := os.Getwd()
	require.NoError(t, err)
	projectRoot := filepath.Join(wd, "..", "..")

	examples := []struct {
		name     string
		path     string
		validate func(t *testing.T, cfg Config)
	}{
		{
			name: "single-node-leveldb",
			path: "examples/configs/single-node.yaml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "leveldb", cfg.Server.Cache.Backend)
				require.Equal(t, "https://events.example.edu", cfg.Worker.Origin)
				require.Equal(t, "campus-v3", cfg.Manifest.Generation)
				require.Len(t, cfg.Manifest.Assets, 3)
				require.Len(t, cfg.Worker.Bypass, 2)
			},
		},
		{
			name: "shared-valkey",
			path: "examples/configs/shared-valkey.yaml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "redis", cfg.Server.Cache.Backend)
				require.Equal(t, "valkey:6379", cfg.Server.Cache.Redis.Address)
				require.Equal(t, "https://api.events.example.edu", cfg.Backend.APIURL)
				require.NotEmpty(t, cfg.Push.ApplicationServerKey)
			},
		},
	}

	for _, tc := range examples {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			configPath := filepath.Join(projectRoot, tc.path)

			loader := NewLoader("CAMPUSWORKER", configPath)
			cfg, err := loader.Load(context.Background())
			require.NoError(t, err, "Failed to load %s", tc.path)

			tc.validate(t, cfg)
		})
	}
}

func TestLoadManifestShapes(t *testing.T) {
	ctx := context.Background()

	nested := writeFile(t, "manifest.toml", "[manifest]\ngeneration = \"campus-v4\"\nassets = [\"/icons/a.png\"]\n")
	manifest, err := LoadManifest(ctx, nested)
	require.NoError(t, err)
	require.Equal(t, "campus-v4", manifest.Generation)

	flat := writeFile(t, "manifest.json", `{"generation":"campus-v5","assets":["/icons/a.png","/icons/b.png"]}`)
	manifest, err = LoadManifest(ctx, flat)
	require.NoError(t, err)
	require.Equal(t, []string{"/icons/a.png", "/icons/b.png"}, manifest.Assets)

	_, err = LoadManifest(ctx, writeFile(t, "manifest.yaml", "assets:\n  - /a.png\n"))
	require.Error(t, err)

	_, err = LoadManifest(ctx, t.TempDir())
	require.Error(t, err)
}

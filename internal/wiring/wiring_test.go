package wiring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gc3pie/gc3core/internal/adapter/batch"
	"github.com/gc3pie/gc3core/internal/adapter/shell"
	"github.com/gc3pie/gc3core/internal/config"
)

func TestBuildResourcesShellcmd(t *testing.T) {
	cfg := &config.Config{
		Resource: map[string]config.ResourceConfig{
			"workstation": {
				Type:             "shellcmd",
				Enabled:          true,
				MaxCores:         4,
				MaxMemoryPerCore: "2GB",
				MaxWalltime:      "24h",
				Architecture:     []string{"x86_64"},
			},
		},
		Auth: map[string]config.AuthConfig{},
	}

	resources, err := BuildResources(context.Background(), cfg, Options{WorkDirRoot: t.TempDir(), LocalOutputRoot: t.TempDir()})
	require.NoError(t, err)
	require.Len(t, resources, 1)

	r := resources[0]
	require.Equal(t, "workstation", r.Name)
	require.Equal(t, "shellcmd", r.Type)
	require.Equal(t, 4, r.Caps.MaxCoresTotal)
	require.IsType(t, &shell.Adapter{}, r.Adapter)
	require.True(t, r.Caps.Architectures["x86_64"])
}

func TestBuildResourcesSkipsDisabled(t *testing.T) {
	cfg := &config.Config{
		Resource: map[string]config.ResourceConfig{
			"idle": {Type: "shellcmd", Enabled: false},
		},
	}
	resources, err := BuildResources(context.Background(), cfg, Options{})
	require.NoError(t, err)
	require.Empty(t, resources)
}

func TestBuildResourcesUnknownType(t *testing.T) {
	cfg := &config.Config{
		Resource: map[string]config.ResourceConfig{
			"mystery": {Type: "quantum", Enabled: true},
		},
	}
	_, err := BuildResources(context.Background(), cfg, Options{})
	require.Error(t, err)
}

func TestBuildResourcesBatchFlavour(t *testing.T) {
	cfg := &config.Config{
		Resource: map[string]config.ResourceConfig{
			"cluster": {
				Type:           "slurm",
				Enabled:        true,
				MaxCores:       256,
				PrologueGlobal: "module load gcc",
			},
		},
	}
	resources, err := BuildResources(context.Background(), cfg, Options{WorkDirRoot: t.TempDir(), LocalOutputRoot: t.TempDir()})
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.IsType(t, &batch.Adapter{}, resources[0].Adapter)
}

func TestBuildResourcesUnknownAuth(t *testing.T) {
	cfg := &config.Config{
		Resource: map[string]config.ResourceConfig{
			"cluster": {Type: "slurm", Enabled: true, Auth: "missing"},
		},
	}
	_, err := BuildResources(context.Background(), cfg, Options{})
	require.Error(t, err)
}

package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmalloy/pvbridge/internal/config"
)

func chdirTemp(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { os.Chdir(originalDir) })
	require.NoError(t, os.Chdir(tmpDir))
	return tmpDir
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		force     bool
		setupFunc func(string)
		wantErr   bool
	}{
		{
			name:      "fresh initialization",
			force:     false,
			setupFunc: func(dir string) {},
			wantErr:   false,
		},
		{
			name:  "force initialization replaces existing config",
			force: true,
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("old content"), 0644)
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := chdirTemp(t)
			tt.setupFunc(tmpDir)

			err := Initialize(tt.force)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			// The starter config must survive a full load, not just parse.
			cfg, err := config.Load(ConfigFileName)
			require.NoError(t, err)
			assert.Equal(t, "demo", cfg.Model)
			assert.Contains(t, cfg.Inputs, "input1")
			assert.Contains(t, cfg.Inputs, "input2")
			assert.Contains(t, cfg.Outputs, "output1")
		})
	}
}

func TestInitialize_StarterConfigRoutesEveryVariable(t *testing.T) {
	chdirTemp(t)
	require.NoError(t, Initialize(false))

	cfg, err := config.Load(ConfigFileName)
	require.NoError(t, err)
	for _, name := range cfg.VariableNames() {
		assert.Contains(t, cfg.Routing, name)
	}
}

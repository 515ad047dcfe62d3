package scaffold

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckExisting(t *testing.T) {
	t.Run("clean directory", func(t *testing.T) {
		chdirTemp(t)
		assert.NoError(t, CheckExisting())
	})

	t.Run("existing config", func(t *testing.T) {
		chdirTemp(t)
		require.NoError(t, os.WriteFile(ConfigFileName, []byte("version: \"1.0\"\n"), 0644))

		err := CheckExisting()
		assert.ErrorContains(t, err, "already initialized")
		assert.ErrorContains(t, err, "--force")
	})
}

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupRemapsKeysAndRotatesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storefront.log")
	logger := Setup(Options{Service: "storefrontd", Env: "test", File: path})
	logger.Info("boot complete", "listen", ":8546")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(raw, &entry))
	require.Equal(t, "boot complete", entry["message"])
	require.Equal(t, "INFO", entry["severity"])
	require.Equal(t, "storefrontd", entry["service"])
	require.Equal(t, "test", entry["env"])
	require.Contains(t, entry, "timestamp")
	require.NotContains(t, entry, "msg")
}

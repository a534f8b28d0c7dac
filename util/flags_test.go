package util

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFlagsFromEnvVars(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	var key, host string
	var timeout int
	cmd.PersistentFlags().StringVar(&key, "key", "", "")
	cmd.PersistentFlags().StringVar(&host, "host-override", "", "")
	cmd.Flags().IntVar(&timeout, "timeout", 20, "")

	t.Setenv("UPDATENODE_KEY", "from-env")
	t.Setenv("UPDATENODE_HOST_OVERRIDE", "https://staging.example.com")
	t.Setenv("UPDATENODE_TIMEOUT", "45")

	require.NoError(t, cmd.PersistentFlags().Set("key", "from-flag"))

	SetFlagsFromEnvVars(cmd)

	assert.Equal(t, "from-flag", key)
	assert.Equal(t, "https://staging.example.com", host)
	assert.Equal(t, 45, timeout)
}

func TestFlagNameToUpper(t *testing.T) {
	assert.Equal(t, "PRODUCT_VERSION", flagNameToUpper("product-version"))
}

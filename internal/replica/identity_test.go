package replica

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_EnvOverrideWins(t *testing.T) {
	t.Setenv("TEST_REPLICA_NAME", "replica-7")
	assert.Equal(t, "replica-7", derive("TEST_REPLICA_NAME"))
}

func TestDerive_BlankEnvFallsBackToHost(t *testing.T) {
	t.Setenv("TEST_REPLICA_NAME", "   ")
	host, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, host, derive("TEST_REPLICA_NAME"))
}

func TestName_StableForProcess(t *testing.T) {
	a := Name("")
	b := Name("")
	assert.NotEmpty(t, a)
	assert.Equal(t, a, b)
}

package envctx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExportsArePartitionedByProcess(t *testing.T) {
	c := New()
	c.SetExport("api", "token", "abc")
	c.SetExport("db", "token", "xyz")

	v, ok := c.Export("api", "token")
	require.True(t, ok)
	require.Equal(t, "abc", v)
	v, ok = c.Export("db", "token")
	require.True(t, ok)
	require.Equal(t, "xyz", v)
}

func TestClearExportsDropsPortToo(t *testing.T) {
	c := New()
	c.SetExport("api", "url", "http://localhost:3000")
	c.SetPort("api", 3000)
	c.ClearExports("api")

	_, ok := c.Export("api", "url")
	require.False(t, ok)
	_, ok = c.Port("api")
	require.False(t, ok)
}

func TestExpandOwnExportsAndEnv(t *testing.T) {
	c := New()
	c.SetExport("api", "token", "abc")
	env := map[string]string{"HOME": "/home/dev"}

	require.Equal(t, "run --token abc --home /home/dev",
		c.Expand("api", "run --token ${token} --home ${HOME}", env))
}

func TestExpandOwnExportWinsOverEnv(t *testing.T) {
	c := New()
	c.SetExport("api", "PORT", "3001")
	env := map[string]string{"PORT": "9999"}
	require.Equal(t, "3001", c.Expand("api", "${PORT}", env))
}

func TestExpandCrossProcess(t *testing.T) {
	c := New()
	c.SetExport("db", "dsn", "postgres://localhost/dev")
	c.SetPort("db", 5432)

	got := c.Expand("api", "connect ${db.dsn} on ${db.port}", nil)
	require.Equal(t, "connect postgres://localhost/dev on 5432", got)
}

func TestExpandLeavesUnknownPlaceholders(t *testing.T) {
	c := New()
	require.Equal(t, "echo ${NOPE} ${ghost.port}", c.Expand("api", "echo ${NOPE} ${ghost.port}", nil))
}

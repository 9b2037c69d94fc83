package pattern

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsPlainPatterns(t *testing.T) {
	for _, expr := range []string{
		`^\d+$`,
		`port (\d+)`,
		`(?i)listening on (\S+)`,
		`(a+)(b+)`,
	} {
		_, err := Validate("v", expr)
		require.NoError(t, err, expr)
	}
}

func TestValidateRejectsNestedQuantifiers(t *testing.T) {
	for _, expr := range []string{
		`(a+)+`,
		`(x*)*`,
		`(\d+){2}`,
		`((a+)b)+`,
	} {
		_, err := Validate("v", expr)
		var se *SafetyError
		require.True(t, errors.As(err, &se), expr)
	}
}

func TestValidateRejectsOverlongPattern(t *testing.T) {
	_, err := Validate("v", strings.Repeat("a", maxPatternLen+1))
	var se *SafetyError
	require.True(t, errors.As(err, &se))
}

func TestValidateRejectsBrokenRegex(t *testing.T) {
	_, err := Validate("v", `(`)
	var se *SafetyError
	require.True(t, errors.As(err, &se))
}

func TestScanNamedPatterns(t *testing.T) {
	s, err := NewScanner(map[string]string{
		"token": `token=(\w+)`,
		"mode":  `mode \w+`,
	})
	require.NoError(t, err)

	ms := s.Scan("starting, token=abc123 mode dev")
	got := map[string]string{}
	for _, m := range ms {
		got[m.Name] = m.Value
	}
	require.Equal(t, "abc123", got["token"])
	require.Equal(t, "mode dev", got["mode"])
}

func TestScanFallbackPort(t *testing.T) {
	s, err := NewScanner(nil)
	require.NoError(t, err)

	for _, line := range []string{
		"Server listening on port 3000",
		"listening on :8080",
		"app ready on port: 4000",
	} {
		ms := s.Scan(line)
		require.NotEmpty(t, ms, line)
		require.Equal(t, "port", ms[0].Name, line)
	}
}

func TestScanFallbackURL(t *testing.T) {
	s, err := NewScanner(nil)
	require.NoError(t, err)

	ms := s.Scan("Local server running at http://localhost:5173/")
	found := map[string]string{}
	for _, m := range ms {
		found[m.Name] = m.Value
	}
	require.Equal(t, "http://localhost:5173/", found["url"])
}

func TestExplicitPortPatternDisablesFallback(t *testing.T) {
	s, err := NewScanner(map[string]string{"port": `PORT=(\d+)`})
	require.NoError(t, err)
	require.True(t, s.HasPortPattern())

	// fallback would have matched this line, but the explicit pattern owns "port"
	require.Empty(t, s.Scan("listening on port 3000"))

	ms := s.Scan("PORT=9000")
	require.Len(t, ms, 1)
	require.Equal(t, "9000", ms[0].Value)
}

func TestScanFullMatchWhenNoCaptureGroup(t *testing.T) {
	s, err := NewScanner(map[string]string{"sig": `READY`})
	require.NoError(t, err)
	ms := s.Scan("process READY now")
	require.Len(t, ms, 1)
	require.Equal(t, "READY", ms[0].Value)
}

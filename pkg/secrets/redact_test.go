package secrets

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	out := Redact("token=hunter2 region=eu", []string{"hunter2"})
	require.Equal(t, "token="+Mask+" region=eu", out)
	require.NotContains(t, out, "hunter2")
}

func TestRedactNestedValues(t *testing.T) {
	// the longer value must win, otherwise its tail leaks
	out := Redact("hunter2000", []string{"hunter2", "hunter2000"})
	require.Equal(t, Mask, out)
}

func TestRedactorSingleWrite(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor(&buf, []string{"hunter2"})

	_, err := r.Write([]byte("token=hunter2 done\n"))
	require.NoError(t, err)
	require.NoError(t, r.Flush())

	require.Zero(t, strings.Count(buf.String(), "hunter2"))
	require.GreaterOrEqual(t, strings.Count(buf.String(), Mask), 1)
	require.Equal(t, "token="+Mask+" done\n", buf.String())
}

func TestRedactorSplitWrites(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor(&buf, []string{"hunter2"})

	for _, chunk := range []string{"token=hun", "ter", "2 done\n"} {
		_, err := r.Write([]byte(chunk))
		require.NoError(t, err)
	}
	require.NoError(t, r.Flush())

	require.Equal(t, "token="+Mask+" done\n", buf.String())
}

func TestRedactorHoldsBackPartialMatch(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor(&buf, []string{"hunter2"})

	_, err := r.Write([]byte("abchun"))
	require.NoError(t, err)
	// "hun" could still become the secret, it must not be emitted yet
	require.Equal(t, "abc", buf.String())

	require.NoError(t, r.Flush())
	require.Equal(t, "abchun", buf.String())
}

func TestRedactorMultipleValues(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor(&buf, []string{"alpha", "beta"})

	_, err := r.Write([]byte("alpha and beta\n"))
	require.NoError(t, err)
	require.NoError(t, r.Flush())

	require.Equal(t, Mask+" and "+Mask+"\n", buf.String())
}

func TestRedactorNoValues(t *testing.T) {
	var buf bytes.Buffer
	r := NewRedactor(&buf, nil)

	_, err := r.Write([]byte("plain output\n"))
	require.NoError(t, err)
	require.NoError(t, r.Flush())
	require.Equal(t, "plain output\n", buf.String())
}

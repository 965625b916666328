package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	require := require.New(t)

	_, err := New("", "LOUD", false)
	require.Error(err)
	require.Error(ValidLevel("LOUD"))
	require.NoError(ValidLevel("debug"))

	name := filepath.Join(t.TempDir(), "relay.log")
	b, err := New(name, "NOTICE", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Noticef("accepted %s", "127.0.0.1:1234")
	l.Debugf("not logged")

	require.NoError(os.Rename(name, name+".1"))
	require.NoError(b.Rotate())
	l.Warningf("after rotate")

	buf, err := os.ReadFile(name + ".1")
	require.NoError(err)
	require.Contains(string(buf), "NOTI test: accepted 127.0.0.1:1234")
	require.False(strings.Contains(string(buf), "not logged"))

	buf, err = os.ReadFile(name)
	require.NoError(err)
	require.Contains(string(buf), "WARN test: after rotate")
}

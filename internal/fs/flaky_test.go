package fs_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/diskspill/internal/fs"
)

func Test_Flaky_Fails_Armed_Operation_Until_Restored(t *testing.T) {
	t.Parallel()

	injected := errors.New("injected")
	flaky := fs.NewFlaky(fs.NewReal())
	path := filepath.Join(t.TempDir(), "f.data")

	flaky.FailWith(fs.OpOpenFile, injected)

	_, err := flaky.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	assert.True(t, errors.Is(err, injected))

	// Deterministic: it keeps failing until disarmed.
	_, err = flaky.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	assert.True(t, errors.Is(err, injected))

	flaky.Restore(fs.OpOpenFile)

	file, err := flaky.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	require.NoError(t, file.Close())
}

func Test_Flaky_Fails_File_Operations_On_Inherited_Rules(t *testing.T) {
	t.Parallel()

	injected := errors.New("injected")
	flaky := fs.NewFlaky(fs.NewReal())
	path := filepath.Join(t.TempDir(), "f.data")

	file, err := flaky.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)

	t.Cleanup(func() { _ = file.Close() })

	flaky.FailWith(fs.OpFileWrite, injected)

	_, err = file.Write([]byte("x"))
	assert.True(t, errors.Is(err, injected))

	flaky.Restore(fs.OpFileWrite)

	_, err = file.Write([]byte("x"))
	require.NoError(t, err)
}

func Test_Flaky_Scopes_Failure_To_Exact_Path(t *testing.T) {
	t.Parallel()

	injected := errors.New("injected")
	dir := t.TempDir()
	target := filepath.Join(dir, "f.data")
	sibling := target + ".lock"

	flaky := fs.NewFlaky(fs.NewReal())
	flaky.FailExactPathWith(fs.OpOpenFile, target, injected)

	_, err := flaky.OpenFile(target, os.O_RDWR|os.O_CREATE, 0o600)
	assert.True(t, errors.Is(err, injected))

	// The sibling path shares a prefix but is unaffected.
	file, err := flaky.OpenFile(sibling, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	require.NoError(t, file.Close())
}

func Test_Flaky_Passes_Through_When_Nothing_Armed(t *testing.T) {
	t.Parallel()

	flaky := fs.NewFlaky(fs.NewReal())
	path := filepath.Join(t.TempDir(), "f.data")

	file, err := flaky.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)

	_, err = file.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, file.Truncate(2))
	require.NoError(t, file.Close())

	data, err := flaky.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("he"), data)
}

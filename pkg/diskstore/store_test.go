package diskstore_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/diskspill/internal/fs"
	"github.com/calvinalkan/diskspill/pkg/diskstore"
)

// openTestStore opens a store on a fresh temp file with test-friendly
// timings.
func openTestStore(t *testing.T, mutate func(*diskstore.Options)) *diskstore.Store {
	t.Helper()

	opts := diskstore.Options{
		Path:                     filepath.Join(t.TempDir(), "overflow.data"),
		RetryDelay:               10 * time.Millisecond,
		ShutdownGracePeriod:      2 * time.Second,
		ShutdownProgressInterval: 100 * time.Millisecond,
	}

	if mutate != nil {
		mutate(&opts)
	}

	store, err := diskstore.Open(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Shutdown() })

	return store
}

func Test_Read_Returns_Equal_Element_When_Written(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, nil)

	original := diskstore.Element{
		Key:      "user:42",
		Value:    profile{Name: "ada", Scores: []int{9, 8, 7}},
		HitCount: 3,
		Expiry:   time.Unix(1700001234, 0).UTC(),
	}

	marker, err := store.Write(original)
	require.NoError(t, err)

	assert.Equal(t, "user:42", marker.Key)
	assert.Equal(t, original.HitCount, marker.HitCount)
	assert.Equal(t, original.Expiry, marker.Expiry)
	assert.GreaterOrEqual(t, marker.Capacity, marker.Size)
	assert.Positive(t, marker.Size)

	element, err := store.Read(marker)
	require.NoError(t, err)

	if diff := cmp.Diff(original, element); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func Test_Allocate_Extends_File_When_Registry_Empty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "overflow.data")

	store, err := diskstore.Open(diskstore.Options{Path: path})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Shutdown() })

	first, err := store.Write(diskstore.Element{Key: "a", Value: profile{Name: "a"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Position, "first slot starts at the old file length")
	assert.Equal(t, first.Size, first.Capacity, "a grown slot's capacity equals the request")

	second, err := store.Write(diskstore.Element{Key: "b", Value: profile{Name: "b"}})
	require.NoError(t, err)
	assert.Equal(t, int64(first.Size), second.Position, "growth is by exactly the requested size")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(first.Size+second.Size), info.Size())
}

func Test_Allocate_Reuses_Freed_Slot_When_Payload_Fits(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, nil)

	big, err := store.Write(diskstore.Element{
		Key:   "big",
		Value: profile{Name: "big", Scores: make([]int, 64)},
	})
	require.NoError(t, err)

	store.Free(big)
	require.Equal(t, 1, store.FreeCount())

	small, err := store.Write(diskstore.Element{Key: "small", Value: profile{Name: "s"}})
	require.NoError(t, err)

	assert.Equal(t, big.Position, small.Position, "freed slot is reused")
	assert.Equal(t, big.Capacity, small.Capacity, "reused slot keeps its original capacity")
	assert.Less(t, small.Size, small.Capacity)
	assert.Equal(t, 0, store.FreeCount())

	// The smaller payload reads back intact from the oversized slot.
	element, err := store.Read(small)
	require.NoError(t, err)
	assert.Equal(t, profile{Name: "s"}, element.Value)
}

func Test_Markers_Never_Overlap_When_Random_Allocate_Free_Sequences(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, nil)

	live := make(map[string]diskstore.Marker)

	// Deterministic mixed workload: grow, free, reuse.
	for round := 0; round < 200; round++ {
		key := fmt.Sprintf("key:%d", round%37)

		if marker, ok := live[key]; ok && round%3 == 0 {
			store.Free(marker)
			delete(live, key)

			continue
		}

		marker, err := store.Write(diskstore.Element{
			Key:   key,
			Value: profile{Name: key, Scores: make([]int, round%29)},
		})
		require.NoError(t, err)

		if previous, ok := live[key]; ok {
			store.Free(previous)
		}

		live[key] = marker
	}

	type span struct {
		start, end int64
		key        string
	}

	spans := make([]span, 0, len(live))

	for _, marker := range live {
		require.GreaterOrEqual(t, marker.Capacity, marker.Size)
		require.GreaterOrEqual(t, marker.Size, 0)

		spans = append(spans, span{
			start: marker.Position,
			end:   marker.Position + int64(marker.Capacity),
			key:   marker.Key,
		})
	}

	for i, a := range spans {
		for _, b := range spans[i+1:] {
			overlap := a.start < b.end && b.start < a.end
			require.False(t, overlap, "live slots %q and %q overlap", a.key, b.key)
		}
	}
}

func Test_Free_Inserts_Duplicate_Entries_When_Marker_Freed_Twice(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, nil)

	marker, err := store.Write(diskstore.Element{Key: "dup", Value: profile{Name: "dup"}})
	require.NoError(t, err)

	// Double-free is caller error; the registry records both entries
	// rather than silently correcting them.
	store.Free(marker)
	store.Free(marker)

	assert.Equal(t, 2, store.FreeCount())
}

// countingCodec fails a configurable number of Encode calls, then
// delegates to the real codec.
type countingCodec struct {
	inner    diskstore.Codec
	attempts atomic.Int32
	failures int32
	failWith error
}

func (c *countingCodec) Encode(element diskstore.Element) ([]byte, error) {
	if c.attempts.Add(1) <= c.failures {
		return nil, c.failWith
	}

	return c.inner.Encode(element)
}

func (c *countingCodec) Decode(data []byte) (diskstore.Element, error) {
	return c.inner.Decode(data)
}

func Test_Write_Surfaces_Concurrent_Mutation_When_Both_Attempts_Fail(t *testing.T) {
	t.Parallel()

	codec := &countingCodec{
		inner:    diskstore.NewGobCodec(),
		failures: 2,
		failWith: diskstore.ErrConcurrentMutation,
	}

	delay := 50 * time.Millisecond

	store := openTestStore(t, func(opts *diskstore.Options) {
		opts.Codec = codec
		opts.RetryDelay = delay
	})

	start := time.Now()

	_, err := store.Write(diskstore.Element{Key: "hot", Value: profile{Name: "hot"}})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, diskstore.ErrConcurrentMutation))
	assert.Equal(t, int32(2), codec.attempts.Load(), "exactly two attempts")
	assert.GreaterOrEqual(t, elapsed, delay, "one delay interval between attempts")
	assert.Less(t, elapsed, 2*delay, "no delay after the final attempt")
}

func Test_Write_Succeeds_When_Second_Encode_Attempt_Recovers(t *testing.T) {
	t.Parallel()

	codec := &countingCodec{
		inner:    diskstore.NewGobCodec(),
		failures: 1,
		failWith: fmt.Errorf("encoding payload: %w", diskstore.ErrConcurrentMutation),
	}

	store := openTestStore(t, func(opts *diskstore.Options) {
		opts.Codec = codec
	})

	marker, err := store.Write(diskstore.Element{Key: "warm", Value: profile{Name: "warm"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), codec.attempts.Load())

	element, err := store.Read(marker)
	require.NoError(t, err)
	assert.Equal(t, profile{Name: "warm"}, element.Value)
}

func Test_Write_Does_Not_Retry_When_Encode_Fails_For_Other_Reasons(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	codec := &countingCodec{
		inner:    diskstore.NewGobCodec(),
		failures: 1,
		failWith: boom,
	}

	store := openTestStore(t, func(opts *diskstore.Options) {
		opts.Codec = codec
	})

	_, err := store.Write(diskstore.Element{Key: "k", Value: profile{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, int32(1), codec.attempts.Load(), "non-transient failures are not retried")
}

func Test_Open_Fails_Fast_When_Backing_File_Cannot_Be_Opened(t *testing.T) {
	t.Parallel()

	denied := errors.New("injected: permission denied")
	path := filepath.Join(t.TempDir(), "overflow.data")

	// Exact match so the sibling "overflow.data.lock" still opens.
	flaky := fs.NewFlaky(fs.NewReal())
	flaky.FailExactPathWith(fs.OpOpenFile, path, denied)

	_, err := diskstore.Open(diskstore.Options{Path: path, FS: flaky})
	require.Error(t, err)
	assert.True(t, errors.Is(err, denied))

	// No partial state survives the failed construction: the file lock
	// taken before the open attempt must have been released.
	store, err := diskstore.Open(diskstore.Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Shutdown())
}

func Test_Read_Propagates_IO_Failure_And_Store_Stays_Usable(t *testing.T) {
	t.Parallel()

	flaky := fs.NewFlaky(fs.NewReal())

	store := openTestStore(t, func(opts *diskstore.Options) {
		opts.FS = flaky
	})

	marker, err := store.Write(diskstore.Element{Key: "k", Value: profile{Name: "k"}})
	require.NoError(t, err)

	ioErr := errors.New("injected: input/output error")
	flaky.FailWith(fs.OpFileSeek, ioErr)

	_, err = store.Read(marker)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ioErr), "I/O failures propagate unmodified, no retry")

	// A failed read aborts that single operation only.
	flaky.Restore(fs.OpFileSeek)

	element, err := store.Read(marker)
	require.NoError(t, err)
	assert.Equal(t, profile{Name: "k"}, element.Value)
}

func Test_Write_Propagates_IO_Failure_And_Store_Stays_Usable(t *testing.T) {
	t.Parallel()

	flaky := fs.NewFlaky(fs.NewReal())

	store := openTestStore(t, func(opts *diskstore.Options) {
		opts.FS = flaky
	})

	ioErr := errors.New("injected: no space left on device")
	flaky.FailWith(fs.OpFileWrite, ioErr)

	_, err := store.Write(diskstore.Element{Key: "k", Value: profile{Name: "k"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ioErr), "I/O failures propagate unmodified, no retry")

	flaky.Restore(fs.OpFileWrite)

	marker, err := store.Write(diskstore.Element{Key: "k", Value: profile{Name: "k"}})
	require.NoError(t, err)

	element, err := store.Read(marker)
	require.NoError(t, err)
	assert.Equal(t, profile{Name: "k"}, element.Value)
}

func Test_Open_Returns_ErrBusy_When_Backing_File_Already_Owned(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "overflow.data")

	first, err := diskstore.Open(diskstore.Options{Path: path})
	require.NoError(t, err)

	t.Cleanup(func() { _ = first.Shutdown() })

	_, err = diskstore.Open(diskstore.Options{Path: path})
	require.Error(t, err)
	assert.True(t, errors.Is(err, diskstore.ErrBusy))

	// Ownership transfers once the first store shuts down.
	require.NoError(t, first.Shutdown())

	second, err := diskstore.Open(diskstore.Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, second.Shutdown())
}

func Test_Delete_Removes_Backing_File_And_Clears_Registry(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "overflow.data")

	store, err := diskstore.Open(diskstore.Options{Path: path})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Shutdown() })

	marker, err := store.Write(diskstore.Element{Key: "k", Value: profile{Name: "k"}})
	require.NoError(t, err)

	store.Free(marker)
	require.Equal(t, 1, store.FreeCount())

	store.Delete()

	assert.Equal(t, 0, store.FreeCount())
	assert.NoFileExists(t, path)
}

func Test_Open_Returns_ErrBusy_When_Deleted_Store_Still_Live(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "overflow.data")

	store, err := diskstore.Open(diskstore.Options{Path: path})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Shutdown() })

	store.Delete()

	// The path stays owned until Shutdown, even with the data file gone.
	assert.FileExists(t, path+".lock")

	_, err = diskstore.Open(diskstore.Options{Path: path})
	require.Error(t, err)
	assert.True(t, errors.Is(err, diskstore.ErrBusy))

	require.NoError(t, store.Shutdown())
	assert.NoFileExists(t, path+".lock")

	reopened, err := diskstore.Open(diskstore.Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, reopened.Shutdown())
}

func Test_Delete_Removes_Auto_Created_Directory_When_Empty(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), diskstore.DefaultAutoDirPrefix+"_1700000000")
	path := filepath.Join(dir, "overflow.data")

	store, err := diskstore.Open(diskstore.Options{Path: path})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Shutdown() })

	_, err = store.Write(diskstore.Element{Key: "k", Value: profile{Name: "k"}})
	require.NoError(t, err)

	store.Delete()
	require.NoError(t, store.Shutdown())

	assert.NoDirExists(t, dir, "last store out removes its auto-created directory")
}

func Test_Delete_Keeps_Directory_When_Another_Store_Still_Uses_It(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), diskstore.DefaultAutoDirPrefix+"_1700000001")

	first, err := diskstore.Open(diskstore.Options{Path: filepath.Join(dir, "first.data")})
	require.NoError(t, err)

	t.Cleanup(func() { _ = first.Shutdown() })

	second, err := diskstore.Open(diskstore.Options{Path: filepath.Join(dir, "second.data")})
	require.NoError(t, err)

	t.Cleanup(func() { _ = second.Shutdown() })

	// The directory is not empty, so removal quietly fails.
	first.Delete()
	require.NoError(t, first.Shutdown())
	assert.DirExists(t, dir)

	second.Delete()
	require.NoError(t, second.Shutdown())
	assert.NoDirExists(t, dir)
}

func Test_Delete_Keeps_Directory_When_Not_Auto_Created(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	store, err := diskstore.Open(diskstore.Options{Path: filepath.Join(dir, "overflow.data")})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Shutdown() })

	store.Delete()
	require.NoError(t, store.Shutdown())
	assert.DirExists(t, dir)
}

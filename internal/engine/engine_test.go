package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/fsckfat/internal/direntry"
	"github.com/dargueta/fsckfat/internal/fsckerr"
	"github.com/dargueta/fsckfat/internal/tree"
)

func TestIsFloppySize(t *testing.T) {
	require.True(t, isFloppySize(1_474_560))  // 1.44 MiB
	require.True(t, isFloppySize(2_949_120))  // 2.88 MiB ED, boundary inclusive
	require.False(t, isFloppySize(2_949_121)) // one byte over
	require.False(t, isFloppySize(10_485_760))
}

func TestFinalExitCode(t *testing.T) {
	require.Equal(t, ExitOK, finalExitCode(Result{}))
	require.Equal(t, ExitErrorsCorrected, finalExitCode(Result{Corrected: true}))
	require.Equal(t, ExitErrorsRemain, finalExitCode(Result{ErrorsRemain: true}))
	// ErrorsRemain takes priority even if something was also corrected.
	require.Equal(t, ExitErrorsRemain, finalExitCode(Result{Corrected: true, ErrorsRemain: true}))
}

func TestClassify_MapsEachErrorClass(t *testing.T) {
	cases := []struct {
		class fsckerr.Class
		want  ExitCode
	}{
		{fsckerr.ClassFatalIO, ExitSyscallError},
		{fsckerr.ClassRecoverableIO, ExitSyscallError},
		{fsckerr.ClassFatalOnDisk, ExitErrorsRemain},
		{fsckerr.ClassRepairable, ExitErrorsRemain},
		{fsckerr.ClassFatalLogic, ExitOperationalError},
	}
	for _, c := range cases {
		err := fsckerr.New(c.class, "boom")
		require.Equal(t, c.want, classify(err), c.class.String())
	}
}

func TestClassify_NonFsckErrorIsSyscallError(t *testing.T) {
	require.Equal(t, ExitSyscallError, classify(errors.New("plain error")))
}

func TestBuildHints_ParsesDropAndUndeletePaths(t *testing.T) {
	opts := Options{
		DropPaths:     []string{"SUBDIR/DEAD.TXT"},
		UndeletePaths: []string{"GONE.TXT"},
	}
	hints, err := buildHints(opts)
	require.NoError(t, err)
	// Nothing looked up yet, so both parsed hints are still reported unused.
	require.Equal(t, []string{"SUBDIR/DEAD.TXT", "GONE.TXT"}, hints.Unused())
}

func TestBuildHints_PropagatesParseError(t *testing.T) {
	_, err := buildHints(Options{DropPaths: []string{""}})
	require.Error(t, err)
}

func TestListPaths_WalksDepthFirst(t *testing.T) {
	arena := tree.NewArena()
	root := arena.New(tree.NoHandle, direntry.Entry{}, "", 0)

	subRaw := direntry.NewRaw(shortName("SUBDIR"), direntry.AttrDirectory, 3, 0, fixedTime())
	subEntry := direntry.Decode(subRaw[:], 0)
	sub := arena.New(root, subEntry, "", 3)
	arena.AddChild(root, sub)

	fileRaw := direntry.NewRaw(shortName("A       TXT"), 0, 4, 0, fixedTime())
	fileEntry := direntry.Decode(fileRaw[:], 32)
	file := arena.New(sub, fileEntry, "", 3)
	arena.AddChild(sub, file)

	paths := listPaths(arena, root)
	require.Equal(t, []string{"/SUBDIR", "/SUBDIR/A.TXT"}, paths)
}

func shortName(s string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[:], s)
	return out
}

func fixedTime() time.Time {
	return time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
}

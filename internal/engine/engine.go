// Package engine runs the driver loop (spec §4.11): it owns the device for
// the whole run, threading an explicit [Options]/[runmode.Mode] context
// through every collaborator package rather than reaching for globals,
// generalizing the teacher's MountFlags-over-package-state design note.
package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/dargueta/fsckfat/internal/bootsector"
	"github.com/dargueta/fsckfat/internal/chain"
	"github.com/dargueta/fsckfat/internal/dirty"
	"github.com/dargueta/fsckfat/internal/fatio"
	"github.com/dargueta/fsckfat/internal/fsckerr"
	"github.com/dargueta/fsckfat/internal/ioimg"
	"github.com/dargueta/fsckfat/internal/label"
	"github.com/dargueta/fsckfat/internal/pathmatch"
	"github.com/dargueta/fsckfat/internal/reclaim"
	"github.com/dargueta/fsckfat/internal/runmode"
	"github.com/dargueta/fsckfat/internal/tree"
)

// ExitCode mirrors the CLI's documented exit-status bits.
type ExitCode int

const (
	ExitOK                ExitCode = 0
	ExitErrorsCorrected   ExitCode = 1
	ExitNotSupported      ExitCode = 2
	ExitErrorsRemain      ExitCode = 4
	ExitOperationalError  ExitCode = 8
	ExitSyntaxError       ExitCode = 16
	ExitUserCancel        ExitCode = 32
	ExitSyscallError      ExitCode = 64
)

// Options captures every flag the CLI surface exposes, decoupled from
// urfave/cli so the engine can be driven directly from tests.
type Options struct {
	DevicePath string

	Variant bootsector.Variant

	Mode     runmode.Mode
	Prompter runmode.Prompter

	DirtyOnly     bool // -C
	Salvage       bool // -f
	ListPaths     bool // -l
	ReadTest      bool // -t
	Verbose       bool // -v
	Verify        bool // -V
	FlushEachPass bool // -w

	DropPaths     []string // -d
	UndeletePaths []string // -u
}

// Result summarizes one run for the CLI's reporting and exit-code mapping.
type Result struct {
	Corrected        bool
	ErrorsRemain     bool
	BadClustersFound int
	OrphanClusters   int
	FilesReclaimed   int
	LabelChanged     bool
	VisitedPaths     []string
	Anomalies        []tree.Anomaly
	UnusedHints      []string
	VerifyClean      bool
	VerifyIssues     *multierror.Error // nil unless -V found something the repair itself left inconsistent
}

// Run executes the whole driver loop against one device and returns a
// Result plus the exit code the CLI should return.
func Run(opts Options) (Result, ExitCode, error) {
	var result Result

	readWrite := opts.Mode != runmode.ModeReadOnly
	dev, err := ioimg.Open(opts.DevicePath, readWrite)
	if err != nil {
		return result, classify(err), err
	}
	defer dev.Close()

	bootData, err := dev.ReadAt(0, bootsector.SectorSize)
	if err != nil {
		return result, classify(err), err
	}
	bs, err := bootsector.Parse(bootData, opts.Variant, isFloppySize(dev.Size()))
	if err != nil {
		return result, classify(err), err
	}

	prompter := opts.Prompter
	if prompter == nil {
		prompter = runmode.AutoPrompter{}
	}

	fat, err := fatio.Load(dev, bs, opts.Mode, prompter)
	if err != nil {
		return result, classify(err), err
	}

	if opts.DirtyOnly {
		if dirty.IsDirty(bs, fat) {
			result.ErrorsRemain = true
			return result, ExitErrorsRemain, nil
		}
		return result, ExitOK, nil
	}

	hints, err := buildHints(opts)
	if err != nil {
		return result, ExitSyntaxError, err
	}

	atari := opts.Variant == bootsector.VariantAtari

	arena, root, err := runWalkPass(dev, bs, fat, opts, atari, hints, &result)
	if err != nil {
		return result, classify(err), err
	}
	if err := maybeFlushEager(dev, opts); err != nil {
		return result, classify(err), err
	}

	if opts.ReadTest {
		bad, err := testDataClusters(dev, bs, fat)
		if err != nil {
			return result, classify(err), err
		}
		result.BadClustersFound = bad
		if bad > 0 {
			result.Corrected = true
		}
	}

	labelResult, err := label.Reconcile(dev, bs, fat, opts.Mode, prompter)
	if err != nil {
		return result, classify(err), err
	}
	if labelResult.Changed {
		result.Corrected = true
		result.LabelChanged = true
	}

	if opts.Salvage {
		r, err := reclaim.ReclaimFile(dev, bs, fat)
		if err != nil {
			return result, classify(err), err
		}
		result.OrphanClusters = r.OrphanClusters
		result.FilesReclaimed = r.FilesCreated
		if r.OrphanClusters > 0 {
			result.Corrected = true
		}
	} else {
		r, err := reclaim.ReclaimFree(fat)
		if err != nil {
			return result, classify(err), err
		}
		result.OrphanClusters = r.OrphanClusters
		if r.OrphanClusters > 0 {
			result.Corrected = true
		}
	}

	if bs.FATBits == 32 {
		if err := updateFSInfo(dev, bs, fat); err != nil {
			return result, classify(err), err
		}
	}
	if err := maybeFlushEager(dev, opts); err != nil {
		return result, classify(err), err
	}

	result.UnusedHints = hints.Unused()

	if opts.ListPaths {
		result.VisitedPaths = listPaths(arena, root)
	}

	if opts.Verify {
		issues, err := runVerifyPass(dev, bs, fat, opts, atari)
		if err != nil {
			return result, classify(err), err
		}
		result.VerifyIssues = issues
		result.VerifyClean = issues == nil || len(issues.Errors) == 0
		if !result.VerifyClean {
			result.ErrorsRemain = true
		}
	}

	commit := opts.Mode != runmode.ModeReadOnly
	if commit && opts.Mode == runmode.ModeInteractive {
		choice := prompter.Prompt("commit the changes made to this volume?", []string{"commit", "discard"}, 0)
		commit = choice == 0
	}

	changed, err := dev.Flush(commit)
	if err != nil {
		return result, classify(err), err
	}
	if changed && !commit {
		return result, ExitUserCancel, nil
	}

	if commit && changed {
		if err := dirty.Clean(dev, bs, fat); err != nil {
			return result, classify(err), err
		}
	}

	return result, finalExitCode(result), nil
}

// runWalkPass runs one restart-aware tree-build-and-validate loop: the
// walker and chain checker run together until neither asks for a restart,
// since a repair to directory structure invalidates the tree just built.
func runWalkPass(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT, opts Options, atari bool, hints *pathmatch.Matcher, result *Result) (*tree.Arena, tree.Handle, error) {
	for {
		checker := chain.NewChecker(dev, fat, opts.Mode, opts.Prompter)
		w := tree.NewWalker(dev, bs, fat, opts.Mode, opts.Prompter, atari, checker)
		w.SetHints(hints)

		root, restart, err := w.WalkRoot()
		if err != nil {
			return nil, tree.NoHandle, err
		}
		result.Anomalies = append(result.Anomalies[:0], w.Anomalies...)
		if len(w.Anomalies) > 0 || len(checker.Anomalies) > 0 {
			result.Corrected = true
		}
		if restart {
			continue
		}
		return w.Arena, root, nil
	}
}

// runVerifyPass repeats the walk read-only-equivalently (fresh FAT view is
// not reloaded; it reuses fat's already-repaired state) and expects no new
// anomalies. Anything it finds means the repair itself left something
// inconsistent, not that the filesystem has a real problem, so every such
// anomaly is collected rather than stopping at the first: a single run of
// -V should tell the caller everything that's still wrong, not just one.
func runVerifyPass(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT, opts Options, atari bool) (*multierror.Error, error) {
	checker := chain.NewChecker(dev, fat, runmode.ModeReadOnly, runmode.AutoPrompter{})
	w := tree.NewWalker(dev, bs, fat, runmode.ModeReadOnly, runmode.AutoPrompter{}, atari, checker)

	if _, _, err := w.WalkRoot(); err != nil {
		return nil, err
	}

	var issues *multierror.Error
	for _, a := range w.Anomalies {
		issues = multierror.Append(issues, fmt.Errorf("%s: %s", a.Path, a.Note))
	}
	for _, note := range checker.Anomalies {
		issues = multierror.Append(issues, fmt.Errorf("%s", note))
	}
	return issues, nil
}

// maybeFlushEager commits pending writes immediately after a driver-loop
// phase when -w was given, instead of waiting for the end-of-run commit
// decision. In interactive mode the user still gets one final confirmation
// for anything staged after the last eager flush.
func maybeFlushEager(dev *ioimg.Device, opts Options) error {
	if !opts.FlushEachPass || opts.Mode == runmode.ModeReadOnly {
		return nil
	}
	_, err := dev.Flush(true)
	return err
}

func buildHints(opts Options) (*pathmatch.Matcher, error) {
	m := pathmatch.New()
	for _, p := range opts.DropPaths {
		if err := m.AddDrop(p); err != nil {
			return nil, err
		}
	}
	for _, p := range opts.UndeletePaths {
		if err := m.AddUndelete(p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// testDataClusters probes every cluster that's reachable (in use by the
// tree) but hasn't already been marked bad, marking any unreadable one bad.
func testDataClusters(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT) (int, error) {
	bad := 0
	for c := uint32(2); c < fat.MaxCluster(); c++ {
		if !fat.Reachable.Get(int(c)) || fat.IsBad(c) {
			continue
		}
		if !dev.Test(fat.ClusterStart(c), int(fat.ClusterSize())) {
			if err := fat.SetFAT(c, fat.Bad()); err != nil {
				return bad, err
			}
			bad++
		}
	}
	return bad, nil
}

// listPaths renders every visited path in the tree, depth first, for -l.
func listPaths(arena *tree.Arena, root tree.Handle) []string {
	var out []string
	var walk func(h tree.Handle)
	walk = func(h tree.Handle) {
		for _, c := range arena.Children(h) {
			out = append(out, arena.Path(c))
			node := arena.Get(c)
			if node.Entry.IsDirectory() {
				walk(c)
			}
		}
	}
	walk(root)
	return out
}

// floppyMaxSize is the largest size this checker treats as a floppy image
// for the Atari-mode FAT12/16 selection rule (covers everything up to a
// 2.88 MiB ED floppy).
const floppyMaxSize = 2_949_120

func isFloppySize(size int64) bool {
	return size <= floppyMaxSize
}

func finalExitCode(r Result) ExitCode {
	switch {
	case r.ErrorsRemain:
		return ExitErrorsRemain
	case r.Corrected:
		return ExitErrorsCorrected
	default:
		return ExitOK
	}
}

func classify(err error) ExitCode {
	var fe *fsckerr.Error
	if e, ok := err.(*fsckerr.Error); ok {
		fe = e
	}
	if fe == nil {
		return ExitSyscallError
	}
	switch fe.Class() {
	case fsckerr.ClassFatalIO, fsckerr.ClassRecoverableIO:
		return ExitSyscallError
	case fsckerr.ClassFatalOnDisk, fsckerr.ClassRepairable:
		return ExitErrorsRemain
	case fsckerr.ClassFatalLogic:
		return ExitOperationalError
	default:
		return ExitOperationalError
	}
}

// fsInfo field offsets within the FAT32 fsinfo sector.
const (
	fsInfoLeadSig    = 0x000
	fsInfoStructSig  = 0x1E4
	fsInfoFreeCount  = 0x1E8
	fsInfoNextFree   = 0x1EC
	fsInfoLeadValue  = 0x41615252
	fsInfoStructVal  = 0x61417272
)

// updateFSInfo rewrites the free-cluster count in the fsinfo sector if it
// disagrees with what the FAT load actually found, leaving the next-free
// hint untouched since this checker never allocates for growth.
func updateFSInfo(dev *ioimg.Device, bs *bootsector.BootSector, fat *fatio.FAT) error {
	if bs.FSInfoStart == 0 {
		return nil
	}
	data, err := dev.ReadAt(bs.FSInfoStart, bootsector.SectorSize)
	if err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(data[fsInfoLeadSig:fsInfoLeadSig+4]) != fsInfoLeadValue {
		return nil
	}
	if binary.LittleEndian.Uint32(data[fsInfoStructSig:fsInfoStructSig+4]) != fsInfoStructVal {
		return nil
	}

	free := uint32(0)
	for c := uint32(2); c < fat.MaxCluster(); c++ {
		if fat.IsFree(c) {
			free++
		}
	}

	current := binary.LittleEndian.Uint32(data[fsInfoFreeCount : fsInfoFreeCount+4])
	if current == free {
		return nil
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, free)
	return dev.Write(bs.FSInfoStart+fsInfoFreeCount, buf)
}

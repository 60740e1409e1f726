package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/fsckfat/internal/bootsector"
	"github.com/dargueta/fsckfat/internal/engine"
	"github.com/dargueta/fsckfat/internal/runmode"
)

func main() {
	app := &cli.App{
		Name:      "fsckfat",
		Usage:     "check and repair a FAT12/16/32 volume",
		ArgsUsage: "DEVICE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "auto", Aliases: []string{"a", "y"}, Usage: "auto-repair without prompting"},
			&cli.BoolFlag{Name: "repair", Aliases: []string{"r"}, Usage: "interactive repair"},
			&cli.BoolFlag{Name: "readonly", Aliases: []string{"n"}, Usage: "read-only check"},
			&cli.BoolFlag{Name: "atari", Aliases: []string{"A"}, Usage: "use Atari-variant boundary constants"},
			&cli.BoolFlag{Name: "dirty-only", Aliases: []string{"C"}, Usage: "check the unmount-cleanly flag only"},
			&cli.StringSliceFlag{Name: "drop", Aliases: []string{"d"}, Usage: "force-delete PATH when it's encountered"},
			&cli.StringSliceFlag{Name: "undelete", Aliases: []string{"u"}, Usage: "force-undelete PATH when it's encountered"},
			&cli.BoolFlag{Name: "salvage", Aliases: []string{"f"}, Usage: "salvage orphaned chains as recovered files"},
			&cli.BoolFlag{Name: "list", Aliases: []string{"l"}, Usage: "list every path visited"},
			&cli.BoolFlag{Name: "test", Aliases: []string{"t"}, Usage: "read-test data clusters, marking unreadable ones bad"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "verbose output"},
			&cli.BoolFlag{Name: "verify", Aliases: []string{"V"}, Usage: "run a read-only verification pass after repair"},
			&cli.BoolFlag{Name: "write", Aliases: []string{"w"}, Usage: "write changes back immediately rather than at the end"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitErr.ExitCode())
		}
		log.Fatalf("fsckfat: %s", err)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one device path is required", int(engine.ExitSyntaxError))
	}

	auto := c.Bool("auto")
	interactive := c.Bool("repair")
	readOnly := c.Bool("readonly")
	if countTrue(auto, interactive, readOnly) > 1 {
		return cli.Exit("-a/-y, -r, and -n are mutually exclusive", int(engine.ExitSyntaxError))
	}
	if (c.Bool("test") || c.Bool("write")) && !(auto || interactive) {
		return cli.Exit("-t and -w require -a/-y or -r", int(engine.ExitSyntaxError))
	}

	mode := runmode.ModeReadOnly
	var prompter runmode.Prompter = runmode.AutoPrompter{}
	switch {
	case interactive:
		mode = runmode.ModeInteractive
		prompter = stdioPrompter{in: bufio.NewReader(os.Stdin), out: os.Stdout}
	case auto:
		mode = runmode.ModeAuto
	case readOnly:
		mode = runmode.ModeReadOnly
	default:
		mode = runmode.ModeReadOnly
	}

	variant := bootsector.VariantMsdos
	if c.Bool("atari") {
		variant = bootsector.VariantAtari
	}

	opts := engine.Options{
		DevicePath:    c.Args().Get(0),
		Variant:       variant,
		Mode:          mode,
		Prompter:      prompter,
		DirtyOnly:     c.Bool("dirty-only"),
		Salvage:       c.Bool("salvage"),
		ListPaths:     c.Bool("list"),
		ReadTest:      c.Bool("test"),
		Verbose:       c.Bool("verbose"),
		Verify:        c.Bool("verify"),
		FlushEachPass: c.Bool("write"),
		DropPaths:     c.StringSlice("drop"),
		UndeletePaths: c.StringSlice("undelete"),
	}

	result, code, err := engine.Run(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fsckfat: %s\n", err)
		return cli.Exit("", int(code))
	}

	report(result, opts)
	return cli.Exit("", int(code))
}

func report(result engine.Result, opts engine.Options) {
	for _, a := range result.Anomalies {
		fmt.Printf("%s: %s\n", a.Path, a.Note)
	}
	if opts.ListPaths {
		for _, p := range result.VisitedPaths {
			fmt.Println(p)
		}
	}
	if result.LabelChanged {
		fmt.Println("volume label reconciled")
	}
	if result.BadClustersFound > 0 {
		fmt.Printf("%d cluster(s) failed the read test and were marked bad\n", result.BadClustersFound)
	}
	if result.OrphanClusters > 0 {
		if opts.Salvage {
			fmt.Printf("reclaimed %d orphan cluster(s) into %d recovered file(s)\n", result.OrphanClusters, result.FilesReclaimed)
		} else {
			fmt.Printf("freed %d orphan cluster(s)\n", result.OrphanClusters)
		}
	}
	for _, p := range result.UnusedHints {
		fmt.Fprintf(os.Stderr, "path hint never matched: %s\n", p)
	}
	if opts.Verify {
		if result.VerifyClean {
			fmt.Println("verification pass found nothing further")
		} else {
			fmt.Println("verification pass found additional anomalies; the repair is incomplete")
			for _, issue := range result.VerifyIssues.Errors {
				fmt.Fprintf(os.Stderr, "  %s\n", issue)
			}
		}
	}
}

func countTrue(vals ...bool) int {
	n := 0
	for _, v := range vals {
		if v {
			n++
		}
	}
	return n
}

// stdioPrompter backs runmode.Prompter onto stdin/stdout for interactive
// repair sessions.
type stdioPrompter struct {
	in  *bufio.Reader
	out *os.File
}

func (p stdioPrompter) Prompt(question string, options []string, defaultIndex int) int {
	fmt.Fprintln(p.out, question)
	for i, opt := range options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, opt)
	}
	fmt.Fprintf(p.out, "choice [%d]: ", defaultIndex+1)

	line, err := p.in.ReadString('\n')
	if err != nil {
		return defaultIndex
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultIndex
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(options) {
		return defaultIndex
	}
	return n - 1
}

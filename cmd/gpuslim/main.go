// gpuslim locates and removes GPU kernels a workload never launches from
// the shared libraries it loads. The pipeline has three stages, each also
// exposed as its own command: trace a workload under the kernel detector,
// locate the unused byte ranges in every traced library, and reconstruct
// debloated copies from the resulting span manifests.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose   bool
	workspace string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

type commander interface {
	Flag(name, help string) *kingpin.FlagClause
	Arg(name, help string) *kingpin.ArgClause
}

func main() {
	ctx := context.Background()

	app := kingpin.New(filepath.Base(os.Args[0]), "Debloating tool for GPU shared libraries: trace the kernels a workload launches, locate the ones it never does, and rewrite the libraries without them.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("workspace", "Workspace directory for trace logs, reports and span manifests.").Default(defaultWorkspace()).StringVar(&cfg.workspace)

	traceCmd := app.Command("trace", "Run a workload under the kernel detector and record every kernel launch.")
	traceParams := addTraceParams(traceCmd)

	locateCmd := app.Command("locate", "Compute the unused byte ranges of every traced library and write span manifests.")
	locateParams := addLocateParams(locateCmd)

	debloatCmd := app.Command("debloat", "Trace a workload and locate unused ranges in one go.")
	debloatParams := addDebloatParams(debloatCmd)

	reconstructCmd := app.Command("reconstruct", "Write debloated library copies from span manifests.")
	reconstructParams := addReconstructParams(reconstructCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	switch parsedCmd {
	case traceCmd.FullCommand():
		os.Exit(checkError(runTrace(ctx, traceParams)))
	case locateCmd.FullCommand():
		os.Exit(checkError(runLocate(ctx, locateParams)))
	case debloatCmd.FullCommand():
		os.Exit(checkError(runDebloat(ctx, debloatParams)))
	case reconstructCmd.FullCommand():
		os.Exit(checkError(runReconstruct(ctx, reconstructParams)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		os.Exit(1)
	}
}

func defaultWorkspace() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".gpuslim")
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

package main

import (
	"flag"
	"fmt"

	"github.com/MixyLabs/mrouter/pkg/mrouter"
)

var (
	gitCommit  string
	versionTag string
	buildType  string
)

func parseOptions() mrouter.Options {
	var opts mrouter.Options

	flag.BoolVar(&opts.Verbose, "verbose", false, "show verbose logs (useful for debugging routing decisions)")
	flag.BoolVar(&opts.Verbose, "v", false, "shorthand for --verbose")
	flag.StringVar(&opts.ConfigDir, "config", "", "directory holding mrouter.yaml (defaults to the working directory)")
	flag.BoolVar(&opts.DryRun, "dry-run", false, "route an in-memory graph instead of the audio server")
	flag.Parse()

	return opts
}

// version is empty for local builds
func version() string {
	if buildType == "" || (versionTag == "" && gitCommit == "") {
		return ""
	}

	identifier := gitCommit
	if versionTag != "" {
		identifier = versionTag
	}

	return fmt.Sprintf("Version %s-%s", buildType, identifier)
}

func main() {
	opts := parseOptions()

	logger, err := mrouter.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Infow("Starting",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType,
		"configDir", opts.ConfigDir,
		"dryRun", opts.DryRun)

	if opts.Verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	d, err := mrouter.NewMRouter(logger, opts)
	if err != nil {
		named.Fatalw("Failed to create mrouter object", "error", err)
	}

	if v := version(); v != "" {
		d.SetVersion(v)
	}

	if err = d.Initialize(); err != nil {
		named.Fatalw("Failed to initialize mrouter", "error", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/treedup/internal/config"
	"github.com/bamsammich/treedup/internal/engine"
	"github.com/bamsammich/treedup/internal/event"
	"github.com/bamsammich/treedup/internal/stats"
	"github.com/bamsammich/treedup/internal/transport"
	"github.com/bamsammich/treedup/internal/transport/remote"
	"github.com/bamsammich/treedup/internal/ui"
)

var version = "dev"

// Exit codes.
const (
	exitOK       = 0
	exitFailures = 1 // some entries could not be mirrored
	exitFatal    = 2
)

// defaultExcludeFile is the exclusion file name enabled by -x.
const defaultExcludeFile = ".cpignore"

func main() {
	os.Exit(run(os.Args[1:]))
}

type options struct {
	verbose     bool
	quiet       bool
	force       bool
	noRemove    bool
	interactive bool
	noSafety    bool
	digest      bool
	digestFile  string
	verifyBytes bool
	linkRef     string
	excludeStd  bool
	excludeFile string
	noDevices   bool
	compress    bool
	bwLimit     string
	rsh         string
	remoteCmd   string
	sshKey      string
	sshPort     int
	knownHosts  string
	logFile     string
	summary     bool
	showVersion bool

	server   bool
	readOnly bool
}

func (o *options) register(fs *pflag.FlagSet) {
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "report metadata updates and skipped entries, debug logging")
	fs.BoolVarP(&o.quiet, "quiet", "q", false, "report failures only")
	fs.BoolVarP(&o.force, "force", "f", false, "copy regular files even when they look unchanged")
	fs.BoolVarP(&o.noRemove, "no-remove", "o", false, "never remove destination entries, only report them")
	fs.BoolVarP(&o.interactive, "interactive", "i", true, "ask before each removal (needs a terminal)")
	fs.BoolVarP(&o.noSafety, "no-safety", "s", false, "allow files to replace destination directories")
	fs.BoolVarP(&o.digest, "digest", "m", false, "compare file digests, maintaining a per-directory digest cache")
	fs.StringVarP(&o.digestFile, "digest-file", "M", "", "name of the digest cache file (implies --digest)")
	fs.BoolVarP(&o.verifyBytes, "verify", "V", false, "compare full file contents, ignoring modification times")
	fs.StringVarP(&o.linkRef, "link-ref", "H", "", "hardlink unchanged files from this reference tree on the destination host")
	fs.BoolVarP(&o.excludeStd, "exclude", "x", false, "honor "+defaultExcludeFile+" exclusion files")
	fs.StringVarP(&o.excludeFile, "exclude-file", "X", "", "honor exclusion files with this name")
	fs.BoolVarP(&o.noDevices, "no-devices", "j", false, "do not mirror character or block devices")
	fs.BoolVarP(&o.compress, "compress", "z", false, "compress the connection to a remote peer")
	fs.StringVar(&o.bwLimit, "bwlimit", "", "limit destination writes (e.g. 512K, 10M)")
	fs.StringVar(&o.rsh, "rsh", "", "remote shell command instead of the built-in SSH client (e.g. \"ssh -p 2222\")")
	fs.StringVar(&o.remoteCmd, "remote-cmd", remote.DefaultRemoteCmd, "treedup binary on the remote host")
	fs.StringVar(&o.sshKey, "ssh-key", "", "SSH private key file (default: agent, then ~/.ssh/id_*)")
	fs.IntVar(&o.sshPort, "ssh-port", 22, "SSH port")
	fs.StringVar(&o.knownHosts, "known-hosts", "", "known_hosts file (default: ~/.ssh/known_hosts)")
	fs.StringVar(&o.logFile, "log", "", "write a structured JSON log to FILE")
	fs.BoolVarP(&o.summary, "summary", "I", false, "print a summary when done")
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")

	fs.BoolVar(&o.server, "server", false, "serve the host-control protocol on stdin/stdout")
	fs.BoolVar(&o.readOnly, "read-only", false, "reject mutating requests in server mode")
	for _, name := range []string{"server", "read-only"} {
		if err := fs.MarkHidden(name); err != nil {
			panic(fmt.Sprintf("hide flag %s: %v", name, err))
		}
	}
}

// applyConfigDefaults applies config file defaults for flags not
// explicitly set on the CLI.
func (o *options) applyConfigDefaults(fs *pflag.FlagSet, d config.DefaultsConfig) {
	set := func(name string, apply func()) {
		if !fs.Changed(name) {
			apply()
		}
	}
	if d.Interactive != nil {
		set("interactive", func() { o.interactive = *d.Interactive })
	}
	if d.NoRemove != nil {
		set("no-remove", func() { o.noRemove = *d.NoRemove })
	}
	if d.Digest != nil {
		set("digest", func() { o.digest = *d.Digest })
	}
	if d.ExcludeFile != nil && !fs.Changed("exclude") {
		set("exclude-file", func() { o.excludeFile = *d.ExcludeFile })
	}
	if d.BWLimit != nil {
		set("bwlimit", func() { o.bwLimit = *d.BWLimit })
	}
	if d.Compress != nil {
		set("compress", func() { o.compress = *d.Compress })
	}
	if d.RemoteCmd != nil {
		set("remote-cmd", func() { o.remoteCmd = *d.RemoteCmd })
	}
}

// verifyLevel resolves the comparison level. Flags win over the config
// file; --verify wins over --digest.
func (o *options) verifyLevel(fs *pflag.FlagSet, d config.DefaultsConfig) (engine.Verify, error) {
	switch {
	case o.verifyBytes:
		return engine.VerifyBytes, nil
	case o.digest || o.digestFile != "":
		return engine.VerifyDigest, nil
	case fs.Changed("verify") || fs.Changed("digest") || d.Verify == nil:
		return engine.VerifyOff, nil
	default:
		return engine.ParseVerify(*d.Verify)
	}
}

func (o *options) exclusionFile() string {
	if o.excludeFile != "" {
		return o.excludeFile
	}
	if o.excludeStd {
		return defaultExcludeFile
	}
	return ""
}

func run(args []string) int {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "treedup [flags] source [destination]",
		Short: "Mirror a directory tree, locally or over SSH",
		Long: `treedup makes destination an exact copy of source: file data, ownership,
modes, times, hardlinks, symlinks and device nodes. Entries missing from
source are removed from destination. Either side may be host:path or
user@host:path, reached by running treedup on that host over SSH.

With only a source, treedup walks it and refreshes the digest caches
(--digest).`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion || opts.server {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.RangeArgs(1, 2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion {
				fmt.Fprintf(os.Stdout, "treedup %s\n", version)
				return nil
			}
			if opts.server {
				return runServer(opts)
			}
			return runMirror(cmd, &opts, args)
		},
	}
	opts.register(rootCmd.Flags())
	rootCmd.AddCommand(newDocsCmd())
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatal
	}
	return exitOK
}

// setupLogging installs the default logger: text on stderr, plus JSON to
// logFile when given. It returns a function closing the log file.
func setupLogging(verbose, quiet bool, logFile string) (func(), error) {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		slog.SetDefault(slog.New(textHandler))
		return func() {}, nil
	}

	lf, err := os.Create(logFile)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(ui.NewMultiHandler(textHandler, jsonHandler)))
	return func() { lf.Close() }, nil
}

// openHost connects to the side of the run named by loc.
//
//nolint:ireturn // factory returns interface by design
func openHost(ctx context.Context, loc transport.Location, spawn remote.SpawnOpts) (transport.Host, error) {
	if !loc.IsRemote() {
		return transport.NewLocal(), nil
	}
	h, err := remote.Spawn(ctx, loc, spawn)
	if err != nil {
		return nil, err
	}
	return h, nil
}

//nolint:gocyclo,revive // cyclomatic,cognitive-complexity: CLI entry point wires every option
func runMirror(cmd *cobra.Command, opts *options, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "path", config.Path(), "error", err)
	}
	opts.applyConfigDefaults(cmd.Flags(), cfg.Defaults)

	closeLog, err := setupLogging(opts.verbose, opts.quiet, opts.logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	verify, err := opts.verifyLevel(cmd.Flags(), cfg.Defaults)
	if err != nil {
		return err
	}
	var bwLimit int64
	if opts.bwLimit != "" {
		if bwLimit, err = engine.ParseBWLimit(opts.bwLimit); err != nil {
			return fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spawn := remote.SpawnOpts{
		RemoteCmd: opts.remoteCmd,
		Rsh:       opts.rsh,
		Compress:  opts.compress,
		SSH: transport.SSHOpts{
			KeyFile:    opts.sshKey,
			KnownHosts: opts.knownHosts,
			Port:       opts.sshPort,
		},
	}

	srcLoc := transport.ParseLocation(args[0])
	srcSpawn := spawn
	// The source is never written to unless its digest caches are.
	srcSpawn.ReadOnly = verify != engine.VerifyDigest
	srcHost, err := openHost(ctx, srcLoc, srcSpawn)
	if err != nil {
		return fmt.Errorf("source %s: %w", srcLoc, err)
	}
	defer srcHost.Close()

	engineCfg := engine.Config{
		SrcHost:     srcHost,
		Src:         remotePath(srcLoc),
		Force:       opts.force,
		Verify:      verify,
		LinkRef:     opts.linkRef,
		NoRemove:    opts.noRemove,
		NoSafety:    opts.noSafety,
		NoDevices:   opts.noDevices,
		ExcludeFile: opts.exclusionFile(),
		DigestFile:  opts.digestFile,
		BWLimit:     bwLimit,
	}

	if len(args) == 2 {
		dstLoc := transport.ParseLocation(args[1])
		dstHost, err := openHost(ctx, dstLoc, spawn)
		if err != nil {
			return fmt.Errorf("destination %s: %w", dstLoc, err)
		}
		defer dstHost.Close()
		engineCfg.DstHost = dstHost
		engineCfg.Dst = remotePath(dstLoc)
	}

	if opts.interactive && !opts.noRemove {
		if ui.IsTTY(os.Stdin.Fd()) {
			engineCfg.Interactive = true
			engineCfg.Prompter = ui.NewPrompter(os.Stdin, os.Stderr)
		} else {
			slog.Warn("stdin is not a terminal; destination removals will only be reported (use -i=false to remove)")
			engineCfg.NoRemove = true
		}
	}

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)
	engineCfg.Events = events
	engineCfg.Stats = collector

	// When --log is set, tee events through a logging goroutine that writes
	// structured records before forwarding to the presenter.
	presenterEvents := (<-chan event.Event)(events)
	if opts.logFile != "" {
		teed := make(chan event.Event, 256)
		go func() {
			for ev := range events {
				attrs := []slog.Attr{
					slog.String("type", ev.Type.String()),
					slog.String("path", ev.Path),
					slog.Int64("size", ev.Size),
				}
				if ev.Source != "" {
					attrs = append(attrs, slog.String("source", ev.Source))
				}
				if ev.Error != nil {
					attrs = append(attrs, slog.String("error", ev.Error.Error()))
				}
				slog.LogAttrs(context.Background(), slog.LevelDebug, "treedup.event", attrs...)
				teed <- ev
			}
			close(teed)
		}()
		presenterEvents = teed
	}

	presenter := ui.NewPresenter(ui.Config{
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
		Stats:     collector,
		Quiet:     opts.quiet,
		Verbose:   opts.verbose,
	})

	slog.Debug("starting mirror",
		"src", args[0],
		"dst", engineCfg.Dst,
		"verify", verify,
		"exclude_file", engineCfg.ExcludeFile,
	)

	var presenterWg sync.WaitGroup
	presenterWg.Go(func() {
		if err := presenter.Run(presenterEvents); err != nil {
			fmt.Fprintf(os.Stderr, "presenter: %v\n", err)
		}
	})

	result := engine.Run(ctx, engineCfg)
	close(events)
	presenterWg.Wait()

	if opts.summary || opts.verbose {
		fmt.Fprintln(os.Stderr, presenter.Summary())
	}

	switch {
	case result.Err != nil:
		slog.Error("mirror failed", "error", result.Err)
		return &exitError{code: exitFatal}
	case result.Stats.Failures > 0:
		return &exitError{code: exitFailures}
	}
	return nil
}

// remotePath maps an empty remote path (host:) to the remote home
// directory, where the peer starts.
func remotePath(loc transport.Location) string {
	if loc.Path == "" {
		return "."
	}
	return loc.Path
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

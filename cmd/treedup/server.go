package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bamsammich/treedup/internal/transport"
	"github.com/bamsammich/treedup/internal/transport/proto"
)

// runServer serves the host-control protocol on stdin/stdout for a client
// that started this process over SSH. stdout carries the protocol, so all
// logging goes to stderr.
func runServer(opts options) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var (
		r io.Reader = os.Stdin
		w io.Writer = os.Stdout
	)
	if opts.compress {
		cs, err := proto.NewCompressedStream(os.Stdin, os.Stdout, nil)
		if err != nil {
			return err
		}
		defer cs.Close()
		r, w = cs, cs
	}

	srv := proto.NewServer(transport.NewLocal(), proto.ServerOpts{ReadOnly: opts.readOnly})
	slog.Debug("serving", "pid", os.Getpid(), "read_only", opts.readOnly, "compress", opts.compress)
	if err := srv.Serve(r, w); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

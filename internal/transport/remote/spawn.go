package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/bamsammich/treedup/internal/transport"
	"github.com/bamsammich/treedup/internal/transport/proto"
)

// DefaultRemoteCmd is the program started on the peer.
const DefaultRemoteCmd = "treedup"

// SpawnOpts controls how the peer process is started.
type SpawnOpts struct {
	// RemoteCmd is the treedup binary on the peer.
	RemoteCmd string
	// Rsh, when set, is an external remote shell command line (e.g.
	// "ssh -p 2222") used instead of the built-in SSH client.
	Rsh      string
	SSH      transport.SSHOpts
	Compress bool
	ReadOnly bool
}

func (o SpawnOpts) serverCommand() string {
	cmd := o.RemoteCmd
	if cmd == "" {
		cmd = DefaultRemoteCmd
	}
	args := []string{cmd, "--server"}
	if o.Compress {
		args = append(args, "--compress")
	}
	if o.ReadOnly {
		args = append(args, "--read-only")
	}
	return strings.Join(args, " ")
}

// Spawn starts the peer for loc and connects a Host to it.
func Spawn(ctx context.Context, loc transport.Location, opts SpawnOpts) (*Host, error) {
	var (
		r      io.Reader
		w      io.Writer
		closer io.Closer
		err    error
	)
	if opts.Rsh != "" {
		r, w, closer, err = spawnRsh(ctx, loc, opts)
	} else {
		r, w, closer, err = spawnSSH(loc, opts)
	}
	if err != nil {
		return nil, err
	}

	if opts.Compress {
		cs, err := proto.NewCompressedStream(r, w, closer)
		if err != nil {
			closer.Close()
			return nil, err
		}
		r, w, closer = cs, cs, cs
	}

	h, err := NewHost(r, w, closer)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", loc.Host, err)
	}
	slog.Debug("peer connected", "host", h.Hostname(), "version", h.Version())
	return h, nil
}

// cmdCloser ends a peer started through an external remote shell.
type cmdCloser struct {
	cmd   *exec.Cmd
	stdin io.Closer
}

func (c *cmdCloser) Close() error {
	c.stdin.Close()
	if err := c.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("peer exited: %w", err)
		}
		return err
	}
	return nil
}

func spawnRsh(ctx context.Context, loc transport.Location, opts SpawnOpts) (io.Reader, io.Writer, io.Closer, error) {
	argv := strings.Fields(opts.Rsh)
	target := loc.Host
	if loc.User != "" {
		target = loc.User + "@" + loc.Host
	}
	argv = append(argv, target, opts.serverCommand())

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // G204: user-supplied remote shell
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	return stdout, stdin, &cmdCloser{cmd: cmd, stdin: stdin}, nil
}

// sessionCloser ends a peer started over the built-in SSH client.
type sessionCloser struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.Closer
}

func (c *sessionCloser) Close() error {
	c.stdin.Close()
	err := c.session.Wait()
	c.client.Close()
	if err != nil {
		return fmt.Errorf("peer exited: %w", err)
	}
	return nil
}

func spawnSSH(loc transport.Location, opts SpawnOpts) (io.Reader, io.Writer, io.Closer, error) {
	client, err := transport.DialSSH(loc, opts.SSH)
	if err != nil {
		return nil, nil, nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("ssh session: %w", err)
	}
	session.Stderr = os.Stderr
	stdin, err := session.StdinPipe()
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	if err := session.Start(opts.serverCommand()); err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("start %q on %s: %w", opts.serverCommand(), loc.Host, err)
	}
	return stdout, stdin, &sessionCloser{client: client, session: session, stdin: stdin}, nil
}

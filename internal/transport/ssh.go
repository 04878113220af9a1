package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHOpts configures how the remote peer is reached.
type SSHOpts struct {
	KeyFile    string // private key; empty tries the usual ~/.ssh/id_* files
	KnownHosts string // known_hosts file; empty means ~/.ssh/known_hosts
	Port       int    // 0 means 22
	// AcceptUnknownHost skips host key verification when no known_hosts
	// file can be loaded.
	AcceptUnknownHost bool
}

// DialSSH opens an SSH connection to loc.Host as loc.User (or the current
// user). Authentication tries the SSH agent first, then key files.
func DialSSH(loc Location, opts SSHOpts) (*ssh.Client, error) {
	userName := loc.User
	if userName == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("determine current user: %w", err)
		}
		userName = u.Username
	}

	port := opts.Port
	if port == 0 {
		port = 22
	}

	auth := sshAuthMethods(opts.KeyFile)
	if len(auth) == 0 {
		return nil, errors.New("no SSH credentials: start an agent or pass --ssh-key")
	}

	hostKeys, err := sshHostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(loc.Host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            userName,
		Auth:            auth,
		HostKeyCallback: hostKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

func sshAuthMethods(keyFile string) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			slog.Debug("ssh agent unavailable", "error", err)
		}
	}

	keys := []string{keyFile}
	if keyFile == "" {
		keys = nil
		if home, err := os.UserHomeDir(); err == nil {
			for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
				keys = append(keys, filepath.Join(home, ".ssh", name))
			}
		}
	}

	var signers []ssh.Signer
	for _, path := range keys {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			slog.Debug("skipping ssh key", "path", path, "error", err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	return methods
}

func sshHostKeyCallback(opts SSHOpts) (ssh.HostKeyCallback, error) {
	path := opts.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(path)
	if err == nil {
		return cb, nil
	}
	if !opts.AcceptUnknownHost {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	slog.Warn("host key verification disabled", "known_hosts", path, "error", err)
	return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit opt-in
}

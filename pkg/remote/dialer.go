/*
 * Copyright 2025 Shoal Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/shoal-run/shoal/pkg/models"
)

// SSHDialer opens an SSH connection plus an SFTP subsystem channel.
// Authentication failures are surfaced as models.ErrAuthRejected and never
// downgraded to unreachable.
func SSHDialer() Dialer {
	return func(ctx context.Context, cfg DialConfig) (Client, error) {
		auth, err := authMethods(cfg)
		if err != nil {
			return nil, err
		}

		clientCfg := &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // testbed fleet, hosts are reimaged often
			Timeout:         cfg.Timeout,
		}

		addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

		var dialer net.Dialer

		dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", models.ErrUnreachable, addr, err)
		}

		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			_ = conn.Close()

			if strings.Contains(err.Error(), "unable to authenticate") ||
				strings.Contains(err.Error(), "permission denied") {
				return nil, fmt.Errorf("%w: %s: %v", models.ErrAuthRejected, addr, err)
			}

			return nil, fmt.Errorf("%w: handshake with %s: %v", models.ErrUnreachable, addr, err)
		}

		sshClient := ssh.NewClient(sshConn, chans, reqs)

		sftpClient, err := sftp.NewClient(sshClient)
		if err != nil {
			_ = sshClient.Close()
			return nil, fmt.Errorf("%w: sftp subsystem on %s: %v", models.ErrUnreachable, addr, err)
		}

		return &sshTransport{ssh: sshClient, sftp: sftpClient}, nil
	}
}

func authMethods(cfg DialConfig) ([]ssh.AuthMethod, error) {
	if cfg.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(expandLocal(cfg.PrivateKeyPath))
		if err != nil {
			return nil, fmt.Errorf("%w: cannot read private key %q: %v", models.ErrAuthRejected, cfg.PrivateKeyPath, err)
		}

		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot parse private key %q: %v", models.ErrAuthRejected, cfg.PrivateKeyPath, err)
		}

		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
}

// expandLocal expands a leading "~" against the local home directory. Only
// used for key paths from the controller's own ssh config.
func expandLocal(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}

	return home + strings.TrimPrefix(p, "~")
}

type sshTransport struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (t *sshTransport) Run(cmd string) (int, string, string, error) {
	sess, err := t.ssh.NewSession()
	if err != nil {
		return 0, "", "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer

	sess.Stdout = &stdout
	sess.Stderr = &stderr

	err = sess.Run(cmd)
	if err == nil {
		return 0, stdout.String(), stderr.String(), nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), stdout.String(), stderr.String(), nil
	}

	return 0, stdout.String(), stderr.String(), err
}

func (t *sshTransport) Stat(path string) (bool, error) {
	_, err := t.sftp.Stat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, err
}

func (t *sshTransport) ReadFile(path string) ([]byte, error) {
	f, err := t.sftp.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (t *sshTransport) WriteFile(path string, data []byte, excl bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if excl {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}

	f, err := t.sftp.OpenFile(path, flags)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

func (t *sshTransport) Mkdir(path string) error {
	return t.sftp.Mkdir(path)
}

func (t *sshTransport) Close() error {
	sftpErr := t.sftp.Close()
	sshErr := t.ssh.Close()

	if sshErr != nil {
		return sshErr
	}

	return sftpErr
}

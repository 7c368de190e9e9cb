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

// Package remote manages the authenticated command and file-transfer
// channel to a single device over SSH and SFTP.
package remote

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/shoal-run/shoal/pkg/logger"
	"github.com/shoal-run/shoal/pkg/models"
)

// promptMu serializes interactive password prompts across all sessions so
// concurrently-resolving devices never interleave prompts on the terminal.
var promptMu sync.Mutex

// PromptFunc asks the operator for a secret.
type PromptFunc func(prompt string) (string, error)

// TerminalPrompt reads a password from the controlling terminal without
// echo.
func TerminalPrompt(prompt string) (string, error) {
	fmt.Fprintf(os.Stderr, "\n%s", prompt)

	defer fmt.Fprintln(os.Stderr)

	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}

	return string(pw), nil
}

// DialConfig is everything a Dialer needs to open a transport.
type DialConfig struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	Password       string
	Timeout        time.Duration
}

// Client is an open transport to one device. Implementations are not safe
// for concurrent use; Session callers hold a per-device lock.
type Client interface {
	Run(cmd string) (exit int, stdout, stderr string, err error)
	Stat(path string) (bool, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, excl bool) error
	Mkdir(path string) error
	Close() error
}

// Dialer opens a Client. Dial failures are classified: authentication
// rejection wraps models.ErrAuthRejected, anything else wraps
// models.ErrUnreachable.
type Dialer func(ctx context.Context, cfg DialConfig) (Client, error)

// Session is the per-device command/file channel. One logical conversation
// at a time; callers serialize concurrent use.
type Session struct {
	name    string
	host    string
	port    int
	creds   models.Credentials
	dial    Dialer
	prompt  PromptFunc
	timeout time.Duration
	logger  logger.Logger

	client   Client
	alive    bool
	password string
}

func NewSession(name, host string, port int, creds models.Credentials, timeout time.Duration, log logger.Logger) *Session {
	return &Session{
		name:    name,
		host:    host,
		port:    port,
		creds:   creds,
		dial:    SSHDialer(),
		prompt:  TerminalPrompt,
		timeout: timeout,
		logger:  log,
	}
}

// WithDialer overrides the transport dialer. Used by tests.
func (s *Session) WithDialer(dial Dialer) *Session {
	s.dial = dial
	return s
}

// WithPrompt overrides the password prompt. Used by tests.
func (s *Session) WithPrompt(prompt PromptFunc) *Session {
	s.prompt = prompt
	return s
}

// Connect opens the transport. It is idempotent: calling it on an
// already-open, still-responsive session performs no additional handshake.
func (s *Session) Connect(ctx context.Context) error {
	if s.client != nil && s.alive {
		return nil
	}

	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}

	cfg := DialConfig{
		Host:    s.host,
		Port:    s.port,
		User:    s.creds.User,
		Timeout: s.timeout,
	}

	switch {
	case s.creds.PrivateKeyPath != "":
		cfg.PrivateKeyPath = s.creds.PrivateKeyPath
	case s.creds.UsePassword:
		pw, err := s.askPassword()
		if err != nil {
			return fmt.Errorf("password prompt for %s failed: %w", s.name, err)
		}

		cfg.Password = pw
	default:
		return models.ErrNoCredentials
	}

	client, err := s.dial(ctx, cfg)
	if err != nil {
		return err
	}

	s.client = client
	s.alive = true

	s.logger.Debug().Str("device", s.name).Str("host", s.host).Msg("session connected")

	return nil
}

// askPassword prompts once and caches the answer for reconnects. Prompting
// is globally serialized.
func (s *Session) askPassword() (string, error) {
	if s.password != "" {
		return s.password, nil
	}

	promptMu.Lock()
	defer promptMu.Unlock()

	pw, err := s.prompt(fmt.Sprintf("Enter password for %s@%s: ", s.creds.User, s.host))
	if err != nil {
		return "", err
	}

	s.password = pw

	return pw, nil
}

// IsAlive issues a trivial no-op remote command. Any failure transitions
// the session to disconnected; no stale connected flag survives a failed
// probe.
func (s *Session) IsAlive() bool {
	if s.client == nil {
		return false
	}

	if _, _, _, err := s.client.Run("true"); err != nil {
		s.alive = false
		return false
	}

	s.alive = true

	return true
}

// guard runs op against the open transport, bounded by ctx and the session
// timeout. On expiry the transport is closed, which unblocks the in-flight
// call, and the session degrades to disconnected.
func (s *Session) guard(ctx context.Context, op func(Client) error) error {
	client := s.client

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- op(client) }()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		_ = client.Close()

		if s.client == client {
			s.client = nil
			s.alive = false
		}

		return opCtx.Err()
	}
}

// Run executes cmd synchronously. The caller interprets exit status
// semantics. A transport-level failure or an expired context degrades the
// session to not-alive.
func (s *Session) Run(ctx context.Context, cmd string) (int, string, string, error) {
	if s.client == nil || !s.alive {
		return 0, "", "", fmt.Errorf("%w: session to %s is not connected", models.ErrSessionDropped, s.name)
	}

	var (
		exit           int
		stdout, stderr string
	)

	err := s.guard(ctx, func(c Client) error {
		var err error
		exit, stdout, stderr, err = c.Run(cmd)

		return err
	})
	if err != nil {
		s.alive = false
		return 0, "", "", fmt.Errorf("%w: running %q on %s: %v", models.ErrSessionDropped, cmd, s.name, err)
	}

	return exit, stdout, stderr, nil
}

// ExpandUser expands a leading "~" against the remote user's home
// directory, never the local one.
func (s *Session) ExpandUser(remotePath string) string {
	if !strings.HasPrefix(remotePath, "~") {
		return remotePath
	}

	home := "/home/" + s.creds.User
	if s.creds.User == "root" {
		home = "/root"
	}

	return home + strings.TrimPrefix(remotePath, "~")
}

// PathExists reports whether the remote path exists.
func (s *Session) PathExists(ctx context.Context, remotePath string) (bool, error) {
	if s.client == nil || !s.alive {
		return false, fmt.Errorf("%w: session to %s is not connected", models.ErrSessionDropped, s.name)
	}

	var ok bool

	err := s.guard(ctx, func(c Client) error {
		var err error
		ok, err = c.Stat(s.ExpandUser(remotePath))

		return err
	})
	if err != nil {
		s.alive = false
		return false, fmt.Errorf("%w: stat %q on %s: %v", models.ErrSessionDropped, remotePath, s.name, err)
	}

	return ok, nil
}

// ReadFile returns the contents of a remote file. A missing file is
// reported as fs.ErrNotExist, not a dropped session.
func (s *Session) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	exists, err := s.PathExists(ctx, remotePath)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, fmt.Errorf("%w: %q on %s", fs.ErrNotExist, remotePath, s.name)
	}

	var data []byte

	err = s.guard(ctx, func(c Client) error {
		var err error
		data, err = c.ReadFile(s.ExpandUser(remotePath))

		return err
	})
	if err != nil {
		s.alive = false
		return nil, fmt.Errorf("%w: read %q on %s: %v", models.ErrSessionDropped, remotePath, s.name, err)
	}

	return data, nil
}

// WriteFile writes data to a remote file, creating or truncating it.
func (s *Session) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	return s.writeFile(ctx, remotePath, data, false)
}

// WriteFileExcl writes data only if the file does not yet exist. A file
// created by someone else first surfaces as models.ErrIdentityExists so
// the caller re-reads and adopts the racing winner's value.
func (s *Session) WriteFileExcl(ctx context.Context, remotePath string, data []byte) error {
	return s.writeFile(ctx, remotePath, data, true)
}

func (s *Session) writeFile(ctx context.Context, remotePath string, data []byte, excl bool) error {
	if s.client == nil || !s.alive {
		return fmt.Errorf("%w: session to %s is not connected", models.ErrSessionDropped, s.name)
	}

	full := s.ExpandUser(remotePath)

	err := s.guard(ctx, func(c Client) error { return c.WriteFile(full, data, excl) })
	if err == nil {
		return nil
	}

	if excl && s.client != nil {
		var exists bool

		statErr := s.guard(ctx, func(c Client) error {
			var err error
			exists, err = c.Stat(full)

			return err
		})
		if statErr == nil && exists {
			return fmt.Errorf("%w: %q on %s", models.ErrIdentityExists, remotePath, s.name)
		}
	}

	s.alive = false

	return fmt.Errorf("%w: write %q on %s: %v", models.ErrSessionDropped, remotePath, s.name, err)
}

// EnsureDir creates the remote directory and any missing parents.
// Idempotent: an already-existing directory is not an error.
func (s *Session) EnsureDir(ctx context.Context, remotePath string) error {
	if s.client == nil || !s.alive {
		return fmt.Errorf("%w: session to %s is not connected", models.ErrSessionDropped, s.name)
	}

	full := s.ExpandUser(remotePath)

	parts := strings.Split(strings.TrimPrefix(full, "/"), "/")
	cur := ""

	for _, part := range parts {
		if part == "" {
			continue
		}

		cur = cur + "/" + part
		seg := cur

		var exists bool

		err := s.guard(ctx, func(c Client) error {
			var err error
			exists, err = c.Stat(seg)

			return err
		})
		if err != nil {
			s.alive = false
			return fmt.Errorf("%w: stat %q on %s: %v", models.ErrSessionDropped, seg, s.name, err)
		}

		if exists {
			continue
		}

		if err := s.guard(ctx, func(c Client) error { return c.Mkdir(seg) }); err != nil {
			s.alive = false
			return fmt.Errorf("%w: mkdir %q on %s: %v", models.ErrSessionDropped, seg, s.name, err)
		}
	}

	return nil
}

// Close tears down the transport. Safe to call on a never-connected or
// already-closed session.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}

	err := s.client.Close()
	s.client = nil
	s.alive = false

	return err
}

// Join builds a remote path with forward slashes regardless of the local
// OS path separator.
func Join(parts ...string) string {
	return path.Join(parts...)
}

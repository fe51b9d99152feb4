// Package target wraps the SSH connection to the machine under assessment.
// One Target backs one run: commands proposed by the model execute here, one
// session per command, with a per-command timeout so a blocking command can
// never wedge the loop.
package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/redloop-ai/redloop/internal/config"
	"github.com/redloop-ai/redloop/internal/logging"
)

// CredentialProbe is the outcome of trying a second set of credentials
// against the target.
type CredentialProbe struct {
	Valid bool
	Root  bool
}

// Target is an SSH connection to the assessment target.
type Target struct {
	cfg    config.TargetConfig
	client *ssh.Client

	// sshDial is the function used to establish SSH connections.
	// Defaults to ssh.Dial; overridden in tests.
	sshDial func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}

// New builds an unconnected Target. Call Connect before Run.
func New(cfg config.TargetConfig) *Target {
	return &Target{cfg: cfg}
}

// Addr returns the host:port the target dials.
func (t *Target) Addr() string {
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

// User returns the low-privilege username the run operates as.
func (t *Target) User() string {
	return t.cfg.Username
}

func (t *Target) String() string {
	return t.cfg.Username + "@" + t.Addr()
}

func (t *Target) dial(username, password string) (*ssh.Client, error) {
	sshConfig := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // G106: assessment targets are throwaway lab machines
		Timeout:         t.cfg.ConnectTimeout,
	}
	dial := t.sshDial
	if dial == nil {
		dial = ssh.Dial
	}
	return dial("tcp", t.Addr(), sshConfig)
}

// Connect establishes the SSH connection with the configured credentials.
// When a hostname is configured the remote's reported name must match,
// which guards against pointing an autonomous run at the wrong machine.
func (t *Target) Connect(ctx context.Context) error {
	client, err := t.dial(t.cfg.Username, t.cfg.Password)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", t.Addr(), err)
	}
	t.client = client

	if t.cfg.Hostname != "" {
		out, err := runCommand(ctx, client, "hostname", t.cfg.CommandTimeout)
		if err != nil {
			t.Close()
			return fmt.Errorf("probe hostname: %w", err)
		}
		reported := strings.TrimSpace(out)
		if reported != t.cfg.Hostname {
			t.Close()
			return fmt.Errorf("target reports hostname %q, expected %q", reported, t.cfg.Hostname)
		}
	}

	logging.Logger().Info("connected to target", "target", t.String())
	return nil
}

// Run executes one command on the target and returns its combined output.
// A non-zero exit status is not an error: failed attempts are findings the
// model needs to see. A command that outlives the configured timeout is cut
// off and its partial output returned with a timeout note appended.
func (t *Target) Run(ctx context.Context, command string) (string, error) {
	if t.client == nil {
		return "", errors.New("target is not connected")
	}
	return runCommand(ctx, t.client, command, t.cfg.CommandTimeout)
}

// TestCredentials probes a second set of credentials with a separate login.
// An invalid password is a probe outcome, not an error; only transport
// failures are returned as errors. On valid credentials the new account is
// checked for root.
func (t *Target) TestCredentials(ctx context.Context, username, password string) (CredentialProbe, error) {
	if strings.TrimSpace(username) == "" {
		return CredentialProbe{}, errors.New("username is required")
	}

	client, err := t.dial(username, password)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			logging.Logger().Info("credential probe rejected", "username", username)
			return CredentialProbe{}, nil
		}
		return CredentialProbe{}, fmt.Errorf("probe login for %s: %w", username, err)
	}
	defer client.Close()

	out, err := runCommand(ctx, client, "id -u", t.cfg.CommandTimeout)
	if err != nil {
		return CredentialProbe{Valid: true}, fmt.Errorf("probe uid for %s: %w", username, err)
	}
	return CredentialProbe{
		Valid: true,
		Root:  strings.TrimSpace(out) == "0",
	}, nil
}

// Close tears down the SSH connection.
func (t *Target) Close() error {
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func runCommand(ctx context.Context, client *ssh.Client, command string, timeout time.Duration) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := session.Start(command); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		// Closing the session unblocks Wait; drain it before reading the
		// buffer so the output copiers have stopped.
		session.Close()
		<-done
		logging.Logger().Warn("command timed out", "timeout", timeout)
		return out.String() + fmt.Sprintf("\n(command timed out after %s)", timeout), nil
	case err := <-done:
		var exitErr *ssh.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return out.String(), fmt.Errorf("run command: %w", err)
		}
		return out.String(), nil
	}
}

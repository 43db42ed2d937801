package remote

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/slugsec/deskd/internal/metrics"
)

// DefaultKeyPaths are tried in order before falling back to the SSH agent.
func DefaultKeyPaths() []string {
	home, _ := os.UserHomeDir()
	paths := []string{
		"/root/.ssh/id_ed25519",
		"/root/.ssh/id_rsa",
	}
	if home != "" && home != "/root" {
		paths = append(paths,
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		)
	}
	return paths
}

type SSHDialerOptions struct {
	Hostname string
	User     string
	KeyPaths []string
	Timeout  time.Duration
}

// NewSSHDialer builds the DialFunc the channel pool uses for one host.
// Dials are retried with backoff and jitter; every dial failure is
// transport-class and wraps ErrUnreachable.
func NewSSHDialer(opts SSHDialerOptions, log *zap.Logger) DialFunc {
	if len(opts.KeyPaths) == 0 {
		opts.KeyPaths = DefaultKeyPaths()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	log = log.Named("ssh").With(zap.String("host", opts.Hostname))

	return func(ctx context.Context) (Channel, error) {
		var client *ssh.Client
		err := retryDial(ctx, opts.Hostname, func() error {
			var dialErr error
			client, dialErr = dialOnce(opts, log)
			return dialErr
		})
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, opts.Hostname, err)
		}
		return &sshChannel{host: opts.Hostname, client: client}, nil
	}
}

func dialOnce(opts SSHDialerOptions, log *zap.Logger) (*ssh.Client, error) {
	auth := authMethods(opts.KeyPaths, log)
	if len(auth) == 0 {
		return nil, fmt.Errorf("no usable ssh keys or agent for %s", opts.Hostname)
	}

	cfg := &ssh.ClientConfig{
		User: opts.User,
		Auth: auth,
		// The fleet is provisioned by the same operators that run this
		// service; host keys are not pinned, matching the original setup.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         opts.Timeout,
	}

	addr := opts.Hostname
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}
	return ssh.Dial("tcp", addr, cfg)
}

func authMethods(keyPaths []string, log *zap.Logger) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	for _, path := range keyPaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			log.Debug("skipping unparseable key", zap.String("path", path), zap.Error(err))
			continue
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	return methods
}

func retryDial(ctx context.Context, host string, fn func() error) error {
	const (
		maxAttempts = 3
		baseDelay   = 500 * time.Millisecond
		maxDelay    = 4 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		metrics.Default().IncCounter("deskd_ssh_dial_retries_total", map[string]string{"host": host})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		timer := time.NewTimer(withJitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// withJitter spreads a delay over [10% of base, 100% of base).
func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + span/2
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	return floor + time.Duration(n)
}

type sshChannel struct {
	host   string
	client *ssh.Client
}

func (c *sshChannel) Run(ctx context.Context, command string) (string, string, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("%w: new session on %s: %v", ErrUnreachable, c.host, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		// The session is in an unknown state; the caller must invalidate the
		// channel rather than return it to the pool.
		_ = sess.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), fmt.Errorf("%w: %s: %v", ErrUnreachable, c.host, ctx.Err())
	case err := <-done:
		if err == nil {
			return stdout.String(), stderr.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(),
				fmt.Errorf("%w: exit %d: %s", ErrCommandFailed, exitErr.ExitStatus(), firstLine(stderr.String()))
		}
		return stdout.String(), stderr.String(), fmt.Errorf("%w: %s: %v", ErrUnreachable, c.host, err)
	}
}

func (c *sshChannel) Ping() error {
	_, _, err := c.client.SendRequest("keepalive@deskd", true, nil)
	if err != nil {
		return fmt.Errorf("%w: keepalive to %s: %v", ErrUnreachable, c.host, err)
	}
	return nil
}

func (c *sshChannel) Close() error {
	return c.client.Close()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

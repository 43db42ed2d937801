package remote

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// FakeDialer produces channels that answer the docker command set with
// canned results, so the whole control plane can run against no fleet at
// all (DESKD_CHANNEL_MODE=fake). One dialer simulates one host's engine.
type FakeDialer struct {
	mu         sync.Mutex
	nextPort   int
	containers map[string]PortMapping
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		nextPort:   49000,
		containers: make(map[string]PortMapping),
	}
}

func (d *FakeDialer) Dial(_ context.Context) (Channel, error) {
	return &fakeChannel{dialer: d}, nil
}

type fakeChannel struct {
	dialer *FakeDialer
	closed bool
}

func (c *fakeChannel) Run(_ context.Context, command string) (string, string, error) {
	fields := strings.Fields(command)
	if len(fields) < 2 || fields[0] != "docker" {
		return "", "", fmt.Errorf("%w: unsupported command %q", ErrCommandFailed, command)
	}

	switch fields[1] {
	case "run":
		name := argAfter(fields, "--name")
		if name == "" {
			return "", "", fmt.Errorf("%w: docker run without --name", ErrCommandFailed)
		}
		c.dialer.mu.Lock()
		c.dialer.containers[name] = PortMapping{Display: c.dialer.nextPort, Web: c.dialer.nextPort + 1}
		c.dialer.nextPort += 2
		c.dialer.mu.Unlock()
		return randomHexID() + "\n", "", nil

	case "port":
		name := fields[len(fields)-1]
		c.dialer.mu.Lock()
		ports, ok := c.dialer.containers[name]
		c.dialer.mu.Unlock()
		if !ok {
			return "", "Error: No such container: " + name, fmt.Errorf("%w: no such container", ErrCommandFailed)
		}
		out := fmt.Sprintf("%d/tcp -> 0.0.0.0:%d\n%d/tcp -> 0.0.0.0:%d\n",
			DisplayPortInternal, ports.Display, WebPortInternal, ports.Web)
		return out, "", nil

	case "stop":
		name := fields[len(fields)-1]
		c.dialer.mu.Lock()
		delete(c.dialer.containers, name)
		c.dialer.mu.Unlock()
		return name + "\n", "", nil

	case "rm":
		name := fields[len(fields)-1]
		c.dialer.mu.Lock()
		_, existed := c.dialer.containers[name]
		delete(c.dialer.containers, name)
		c.dialer.mu.Unlock()
		if !existed {
			return "", "Error: No such container: " + name, fmt.Errorf("%w: no such container", ErrCommandFailed)
		}
		return name + "\n", "", nil

	case "info":
		return "27.0-fake\n", "", nil

	case "image":
		return "sha256:" + randomHexID() + "\n", "", nil
	}

	return "", "", fmt.Errorf("%w: unsupported command %q", ErrCommandFailed, command)
}

func (c *fakeChannel) Ping() error {
	if c.closed {
		return fmt.Errorf("%w: channel closed", ErrUnreachable)
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func argAfter(fields []string, flag string) string {
	for i, f := range fields {
		if f == flag && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func randomHexID() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strings.Repeat("0", 64)
	}
	return hex.EncodeToString(b[:])
}

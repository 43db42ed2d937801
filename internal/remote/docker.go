package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The desktop image's network contract: a raw display protocol port and a
// web-bridge port with a WebSocket-upgradable endpoint. Both are published
// to host-chosen external ports at start.
const (
	DisplayPortInternal = 5900
	WebPortInternal     = 6080
)

// DesktopSpec carries the per-session parameters passed to the container.
type DesktopSpec struct {
	Name          string
	Image         string
	DisplaySecret string
	Resolution    string
	ShmSize       string
	MemoryLimit   string
	CPULimit      string
}

// PortMapping is the pair of host-assigned external ports for one desktop.
type PortMapping struct {
	Display int
	Web     int
}

// StartDesktop launches the desktop container detached with --rm so the
// engine reaps it on stop, and dynamic publications for both service ports.
func StartDesktop(ctx context.Context, ch Channel, spec DesktopSpec) (string, error) {
	cmd := fmt.Sprintf(
		"docker run -d --rm --name %s -p 0:%d -p 0:%d -e VNC_PASSWORD=%s -e RESOLUTION=%s --shm-size=%s --memory=%s --cpus=%s %s",
		spec.Name, DisplayPortInternal, WebPortInternal,
		spec.DisplaySecret, spec.Resolution,
		spec.ShmSize, spec.MemoryLimit, spec.CPULimit, spec.Image,
	)
	stdout, stderr, err := ch.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("start desktop %s: %w", spec.Name, err)
	}
	containerID := firstLine(stdout)
	if containerID == "" {
		return "", fmt.Errorf("%w: docker run produced no container id: %s", ErrCommandFailed, firstLine(stderr))
	}
	return containerID, nil
}

// DesktopPorts queries the engine for the external ports assigned to the
// container. The mapping can lag `docker run` returning, so the query is
// retried a few times before giving up.
func DesktopPorts(ctx context.Context, ch Channel, name string) (PortMapping, error) {
	const attempts = 5
	var out string
	for attempt := 0; attempt < attempts; attempt++ {
		var err error
		out, _, err = ch.Run(ctx, "docker port "+name)
		if err != nil {
			return PortMapping{}, fmt.Errorf("query ports for %s: %w", name, err)
		}
		if strings.TrimSpace(out) != "" {
			break
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return PortMapping{}, fmt.Errorf("%w: query ports for %s: %v", ErrUnreachable, name, ctx.Err())
			case <-time.After(300 * time.Millisecond):
			}
		}
	}
	return parsePortMappings(out)
}

// parsePortMappings reads `docker port` output lines such as
// "5900/tcp -> 0.0.0.0:49153".
func parsePortMappings(out string) (PortMapping, error) {
	var m PortMapping
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "->") {
			continue
		}
		i := strings.LastIndexByte(line, ':')
		if i < 0 {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(line[i+1:]))
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, fmt.Sprintf("%d/tcp", DisplayPortInternal)):
			m.Display = port
		case strings.HasPrefix(line, fmt.Sprintf("%d/tcp", WebPortInternal)):
			m.Web = port
		}
	}
	if m.Display == 0 || m.Web == 0 {
		return PortMapping{}, fmt.Errorf("%w: could not parse port mappings: %q", ErrCommandFailed, strings.TrimSpace(out))
	}
	return m, nil
}

func StopDesktop(ctx context.Context, ch Channel, name string) error {
	if _, _, err := ch.Run(ctx, "docker stop "+name); err != nil {
		return fmt.Errorf("stop desktop %s: %w", name, err)
	}
	return nil
}

// RemoveDesktop is best-effort cleanup after stop. Containers run with --rm,
// so the engine has usually reaped them already; a missing container is
// success.
func RemoveDesktop(ctx context.Context, ch Channel, name string) error {
	_, stderr, err := ch.Run(ctx, "docker rm "+name)
	if err != nil {
		if strings.Contains(stderr, "No such container") {
			return nil
		}
		return fmt.Errorf("remove desktop %s: %w", name, err)
	}
	return nil
}

// CheckEngine verifies the remote execution engine answers on this host.
func CheckEngine(ctx context.Context, ch Channel) error {
	if _, _, err := ch.Run(ctx, "docker info --format '{{.ServerVersion}}'"); err != nil {
		return fmt.Errorf("engine check: %w", err)
	}
	return nil
}

// CheckImage verifies the desktop image is present locally. There is no
// implicit pull: a host missing the image is unhealthy until an operator
// fixes it.
func CheckImage(ctx context.Context, ch Channel, image string) error {
	if _, _, err := ch.Run(ctx, "docker image inspect --format '{{.Id}}' "+image); err != nil {
		return fmt.Errorf("image %s not present: %w", image, err)
	}
	return nil
}

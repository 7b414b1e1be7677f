package runtime

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

const (
	// maxOutputBytes caps exec stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultExecTimeout = 30 * time.Second
	defaultStopGrace   = 5 * time.Second
	defaultImage       = "sanduku-runtime:latest"
	defaultShell       = "/bin/bash"
	defaultMemoryMB    = 1024
	defaultCPUCores    = 1.0
	defaultPIDsLimit   = 256
)

// DockerConfig configures the Docker-based runtime.
type DockerConfig struct {
	Image          string        // Container image (e.g. "sanduku-runtime:latest").
	Shell          string        // Interactive shell for Attach. Default: /bin/bash.
	ExecTimeout    time.Duration // Default wall-clock timeout per exec.
	StopGrace      time.Duration // SIGTERM grace before SIGKILL on stop.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	NetworkAllowed bool          // false = --network=none.
}

// DockerRuntime drives session sandboxes through the docker CLI.
//
// Unlike a per-command throwaway container, each session gets ONE
// long-lived container (pid 1 = sleep) that survives across execs and
// terminal attaches until the lifecycle controller stops it. Hardening:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit, CPU rate limit
//   - Network disabled by default (--network=none)
//   - Only /workspace (the session file tree) and tmpfs /tmp are writable
type DockerRuntime struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerRuntime creates a Docker-based runtime.
func NewDockerRuntime(cfg DockerConfig, logger *slog.Logger) *DockerRuntime {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	return &DockerRuntime{config: cfg, logger: logger}
}

// Ping checks that the docker daemon is reachable.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker daemon unreachable: %s: %w", strings.TrimSpace(string(out)), err)
	}
	r.logger.Debug("docker daemon reachable", slog.String("server_version", strings.TrimSpace(string(out))))
	return nil
}

// StartContainer boots a long-lived container for a session.
func (r *DockerRuntime) StartContainer(ctx context.Context, spec ContainerSpec) (*Container, error) {
	if spec.FilesDir == "" {
		return nil, fmt.Errorf("files dir is required")
	}

	name, err := generateContainerName(spec.SessionID)
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	args := r.buildRunArgs(name, spec)

	r.logger.Info("starting sandbox container",
		slog.String("session_id", spec.SessionID),
		slog.String("container", name),
		slog.String("image", r.config.Image),
	)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		// The name may have been claimed before the failure; clean up.
		r.forceRemove(name)
		return nil, fmt.Errorf("docker run failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	return &Container{ID: name, CreatedAt: time.Now().UTC()}, nil
}

// buildRunArgs constructs the docker run argument list with hardening flags.
func (r *DockerRuntime) buildRunArgs(name string, spec ContainerSpec) []string {
	memoryFlag := strconv.Itoa(r.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(r.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(r.config.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,nosuid,size=128m",

		// Session file tree, the only persistent mount.
		"--volume", spec.FilesDir + ":/workspace:rw",
		"--workdir", "/workspace",

		// Sanitized environment (no host inheritance).
		"--env", "HOME=/workspace",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=xterm-256color",
	}

	if r.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}

	// Keep pid 1 alive until the controller stops the container.
	args = append(args, r.config.Image, "sleep", "infinity")
	return args
}

// StopContainer gracefully stops the container, then force-removes it.
func (r *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	grace := strconv.Itoa(int(r.config.StopGrace.Seconds()))
	out, err := exec.CommandContext(ctx, "docker", "stop", "-t", grace, containerID).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		// Stop failed — force removal below is the fallback, but surface it.
		r.logger.Warn("docker stop failed",
			slog.String("container", containerID),
			slog.String("output", strings.TrimSpace(string(out))),
		)
	}
	r.forceRemove(containerID)
	return nil
}

// Exec runs a one-shot command inside the container with output caps.
func (r *DockerRuntime) Exec(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.config.ExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"exec", "--workdir", "/workspace", containerID}
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	startedAt := time.Now().UTC()
	runErr := cmd.Run()
	finishedAt := time.Now().UTC()
	duration := finishedAt.Sub(startedAt)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			// Killing the docker CLI orphans the container-side process;
			// reap it so a timed-out command cannot keep burning CPU.
			r.killStrays(containerID, req.Command[0])

			r.logger.Warn("exec timed out",
				slog.String("container", containerID),
				slog.Duration("timeout", timeout),
			)
			return &ExecResult{
				Stdout:     stdoutBuf.String(),
				Stderr:     stderrBuf.String(),
				ExitCode:   -1,
				TimedOut:   true,
				StartedAt:  startedAt,
				FinishedAt: finishedAt,
				Duration:   duration,
			}, nil
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker exec failed: %w", runErr)
		}
	}

	r.logger.Debug("exec completed",
		slog.String("container", containerID),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecResult{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		ExitCode:   exitCode,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   duration,
	}, nil
}

// Attach opens an interactive shell in the container under a local PTY,
// so the docker CLI sees a real terminal and resize works end to end.
func (r *DockerRuntime) Attach(ctx context.Context, containerID string) (AttachStream, error) {
	cmd := exec.Command("docker", "exec", "-it", "--workdir", "/workspace", containerID, r.config.Shell)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return nil, fmt.Errorf("starting shell in %s: %w", containerID, err)
	}

	r.logger.Info("shell attached",
		slog.String("container", containerID),
		slog.String("shell", r.config.Shell),
	)

	return &dockerAttach{cmd: cmd, ptmx: ptmx}, nil
}

// HealthCheck verifies the container is still in the running state.
func (r *DockerRuntime) HealthCheck(ctx context.Context, containerID string) error {
	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", containerID).CombinedOutput()
	if err != nil {
		return fmt.Errorf("inspecting container %s: %s: %w", containerID, strings.TrimSpace(string(out)), err)
	}
	if strings.TrimSpace(string(out)) != "true" {
		return fmt.Errorf("container %s is not running", containerID)
	}
	return nil
}

// forceRemove removes a container by name, best-effort.
func (r *DockerRuntime) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			r.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// killStrays terminates leftover processes after a timed-out exec.
func (r *DockerRuntime) killStrays(containerID, program string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "exec", containerID, "pkill", "-9", "-f", program).Run()
}

// dockerAttach is an AttachStream over a local PTY wrapping docker exec.
type dockerAttach struct {
	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
	closeErr  error
}

func (a *dockerAttach) Read(p []byte) (int, error) {
	n, err := a.ptmx.Read(p)
	if err != nil && n == 0 {
		// PTY read errors on shell exit show up as EIO; normalize to EOF
		// so stream consumers treat it as a clean close.
		return 0, io.EOF
	}
	return n, err
}

func (a *dockerAttach) Write(p []byte) (int, error) {
	return a.ptmx.Write(p)
}

func (a *dockerAttach) Resize(cols, rows uint16) error {
	return pty.Setsize(a.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Close tears down the PTY and reaps the docker exec process. Closing the
// attach never kills the container itself — another attach may follow.
func (a *dockerAttach) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.ptmx.Close()
		if a.cmd.Process != nil {
			_ = a.cmd.Process.Kill()
		}
		_ = a.cmd.Wait()
	})
	return a.closeErr
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	keep := p
	if len(keep) > lw.remaining {
		keep = keep[:lw.remaining]
	}
	n, err := lw.w.Write(keep)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	// Report the full length so the copier never sees a short write.
	return len(p), nil
}

// generateContainerName returns a unique name: sanduku-<sess8>-<8 hex chars>.
func generateContainerName(sessionID string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	prefix := sessionID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "sanduku-" + prefix + "-" + hex.EncodeToString(b), nil
}

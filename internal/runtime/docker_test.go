package runtime

import (
	"bytes"
	"log/slog"
	"os"
	"slices"
	"strings"
	"testing"
)

func newTestRuntime(t *testing.T, cfg DockerConfig) *DockerRuntime {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewDockerRuntime(cfg, logger)
}

func TestBuildRunArgs_Hardening(t *testing.T) {
	r := newTestRuntime(t, DockerConfig{
		Image:     "sanduku-runtime:latest",
		MemoryMB:  512,
		CPUCores:  0.5,
		PIDsLimit: 64,
	})

	args := r.buildRunArgs("sanduku-abc", ContainerSpec{
		SessionID: "abc",
		FilesDir:  "/data/sessions/abc/files",
	})

	for _, want := range []string{
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--memory=512m",
		"--memory-swap=512m",
		"--cpus=0.50",
		"--pids-limit=64",
		"--network=none",
	} {
		if !slices.Contains(args, want) {
			t.Errorf("args missing %q\nargs: %v", want, args)
		}
	}

	// Workspace bind mount, rw.
	if !slices.Contains(args, "/data/sessions/abc/files:/workspace:rw") {
		t.Errorf("args missing workspace volume\nargs: %v", args)
	}

	// Detached, long-lived pid 1.
	if args[1] != "-d" {
		t.Errorf("args[1] = %q, want -d", args[1])
	}
	if got := args[len(args)-2:]; got[0] != "sleep" || got[1] != "infinity" {
		t.Errorf("container command = %v, want [sleep infinity]", got)
	}
}

func TestBuildRunArgs_NetworkAllowed(t *testing.T) {
	r := newTestRuntime(t, DockerConfig{NetworkAllowed: true})

	args := r.buildRunArgs("n", ContainerSpec{SessionID: "s", FilesDir: "/tmp/f"})
	if !slices.Contains(args, "--network=bridge") {
		t.Errorf("args missing --network=bridge: %v", args)
	}
	if slices.Contains(args, "--network=none") {
		t.Errorf("args should not contain --network=none: %v", args)
	}
}

func TestBuildRunArgs_ExtraEnv(t *testing.T) {
	r := newTestRuntime(t, DockerConfig{})

	args := r.buildRunArgs("n", ContainerSpec{
		SessionID: "s",
		FilesDir:  "/tmp/f",
		Env:       map[string]string{"FOO": "bar"},
	})
	if !slices.Contains(args, "FOO=bar") {
		t.Errorf("args missing extra env: %v", args)
	}
}

func TestGenerateContainerName(t *testing.T) {
	a, err := generateContainerName("0195ad3c-long-session-id")
	if err != nil {
		t.Fatal(err)
	}
	b, err := generateContainerName("0195ad3c-long-session-id")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(a, "sanduku-0195ad3c-") {
		t.Errorf("name = %q, want sanduku-0195ad3c- prefix", a)
	}
	if a == b {
		t.Errorf("two names collide: %q", a)
	}
}

func TestLimitedWriterCapsOutput(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 5}

	n, err := lw.Write([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	// Reports full length so the producer never sees a short write.
	if n != len("hello world") {
		t.Errorf("first write n = %d, want %d", n, len("hello world"))
	}
	if buf.String() != "hello" {
		t.Errorf("buffer = %q, want %q", buf.String(), "hello")
	}

	// Subsequent writes are discarded without error.
	if _, err := lw.Write([]byte("more")); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello" {
		t.Errorf("buffer after overflow = %q, want %q", buf.String(), "hello")
	}
}

func TestDefaultsApplied(t *testing.T) {
	r := newTestRuntime(t, DockerConfig{})

	if r.config.Image != defaultImage {
		t.Errorf("Image = %q, want %q", r.config.Image, defaultImage)
	}
	if r.config.Shell != defaultShell {
		t.Errorf("Shell = %q, want %q", r.config.Shell, defaultShell)
	}
	if r.config.ExecTimeout != defaultExecTimeout {
		t.Errorf("ExecTimeout = %v, want %v", r.config.ExecTimeout, defaultExecTimeout)
	}
	if r.config.PIDsLimit != defaultPIDsLimit {
		t.Errorf("PIDsLimit = %d, want %d", r.config.PIDsLimit, defaultPIDsLimit)
	}
}

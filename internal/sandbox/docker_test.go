package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/umba/internal/scratch"
)

// testImage is the runner image used for integration tests.
const testImage = "umba-runner:latest"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the runner image isn't built.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping", testImage)
	}
}

func newTestDockerExecutor(t *testing.T) (*DockerExecutor, *scratch.Area) {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	mgr, err := scratch.NewManager(filepath.Join(t.TempDir(), "jobs"), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	area, err := mgr.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(area.Release)

	exe := NewDockerExecutor(DockerConfig{
		Image:          testImage,
		LibraryPath:    t.TempDir(),
		DefaultTimeout: 60 * time.Second,
		MemoryMB:       512,
		CPUCores:       1.0,
	}, discardLogger())
	return exe, area
}

func TestDockerExecutor_BasicExecution(t *testing.T) {
	exe, area := newTestDockerExecutor(t)
	if err := area.WriteScript("print('hello')"); err != nil {
		t.Fatal(err)
	}

	res, err := exe.Execute(context.Background(), Request{Scratch: area})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0 (stderr: %s)", res.ExitCode, res.Stderr)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestDockerExecutor_ScriptError(t *testing.T) {
	exe, area := newTestDockerExecutor(t)
	if err := area.WriteScript("raise ValueError('fuse_objects failed')"); err != nil {
		t.Fatal(err)
	}

	res, err := exe.Execute(context.Background(), Request{Scratch: area})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("exit code = 0, want non-zero for a raising script")
	}
	if !strings.Contains(res.Stderr, "fuse_objects failed") {
		t.Errorf("stderr = %q, want diagnostic text", res.Stderr)
	}
}

func TestDockerExecutor_Timeout(t *testing.T) {
	exe, area := newTestDockerExecutor(t)
	if err := area.WriteScript("import time; time.sleep(120)"); err != nil {
		t.Fatal(err)
	}

	res, err := exe.Execute(context.Background(), Request{
		Scratch: area,
		Timeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("Execute: %v (timeout must be a result, not an error)", err)
	}
	if !res.TimedOut() {
		t.Errorf("exit code = %d, want timeout sentinel %d", res.ExitCode, TimeoutExitCode)
	}
}

func TestDockerExecutor_CanceledContextIsNotTimeout(t *testing.T) {
	exe, area := newTestDockerExecutor(t)
	if err := area.WriteScript("import time; time.sleep(120)"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Second)
		cancel()
	}()

	res, err := exe.Execute(ctx, Request{Scratch: area, Timeout: time.Minute})
	if err == nil {
		t.Fatalf("Execute returned result %+v, want error for canceled caller", res)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled in chain", err)
	}
	if strings.Contains(err.Error(), "TIMEOUT") {
		t.Errorf("err = %q, cancellation must not claim a timeout", err)
	}
}

func TestDockerExecutor_NetworkDisabled(t *testing.T) {
	exe, area := newTestDockerExecutor(t)
	script := `import socket
s = socket.socket()
s.settimeout(3)
try:
    s.connect(("1.1.1.1", 443))
    print("CONNECTED")
except OSError:
    print("BLOCKED")
`
	if err := area.WriteScript(script); err != nil {
		t.Fatal(err)
	}

	res, err := exe.Execute(context.Background(), Request{Scratch: area})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Contains(res.Stdout, "CONNECTED") {
		t.Error("sandbox reached the network; --network=none not effective")
	}
}

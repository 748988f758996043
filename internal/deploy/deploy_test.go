package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFakeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deploy.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDeployRejectsOwnEnvironment(t *testing.T) {
	r := New(writeFakeScript(t, "#!/bin/sh\necho ok\n"), t.TempDir())
	if _, err := r.Deploy(context.Background(), "stage", TargetStage); err == nil {
		t.Fatal("expected an error deploying to the current environment")
	}
}

func TestDeployRejectsInvalidTarget(t *testing.T) {
	r := New(writeFakeScript(t, "#!/bin/sh\necho ok\n"), t.TempDir())
	if _, err := r.Deploy(context.Background(), "dev", Target("banana")); err == nil {
		t.Fatal("expected an error for a target outside {stage,release,promote}")
	}
}

func TestPromoteOnlyAllowedFromStage(t *testing.T) {
	r := New(writeFakeScript(t, "#!/bin/sh\necho ok\n"), t.TempDir())
	if _, err := r.Deploy(context.Background(), "dev", TargetPromote); err == nil {
		t.Fatal("expected an error promoting from a non-stage environment")
	}
	if _, err := r.Deploy(context.Background(), "stage", TargetPromote); err != nil {
		t.Fatalf("expected promote from stage to be allowed, got %v", err)
	}
}

func TestDeploySucceedsAndPersistsLog(t *testing.T) {
	logDir := t.TempDir()
	r := New(writeFakeScript(t, "#!/bin/sh\necho deployed-$1\n"), logDir)

	res, err := r.Deploy(context.Background(), "dev", TargetStage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Tail == "" {
		t.Fatal("expected non-empty tail output")
	}
	if _, err := os.Stat(res.LogFile); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
}

func TestDeployReportsScriptFailure(t *testing.T) {
	r := New(writeFakeScript(t, "#!/bin/sh\necho boom >&2\nexit 1\n"), t.TempDir())
	res, err := r.Deploy(context.Background(), "dev", TargetStage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected success=false when the script exits non-zero")
	}
	if res.Error == "" {
		t.Fatal("expected an error message")
	}
}

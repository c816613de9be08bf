package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/thomaker/blendforge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBlender writes a shell script that stands in for the blender binary.
func fakeBlender(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake blender scripts require a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "blender")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write fake blender: %v", err)
	}
	return path
}

func testExecutorConfig(blenderPath string) config.ExecutorConfig {
	return config.ExecutorConfig{
		BlenderPath:          blenderPath,
		MeshTimeoutSeconds:   5,
		RenderTimeoutSeconds: 5,
		RenderWidth:          800,
		RenderHeight:         600,
	}
}

func TestRun_Success(t *testing.T) {
	// Mesh stage produces model.stl, render stage produces render.png.
	blender := fakeBlender(t, `case "$*" in
*--python-expr*) printf 'fake-png' > render.png ;;
*) touch model.stl ;;
esac`)

	e := New(testExecutorConfig(blender), testLogger())
	workDir := t.TempDir()

	image, err := e.Run(context.Background(), "import bpy", workDir)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(image) != "fake-png" {
		t.Errorf("Expected render bytes, got %q", image)
	}

	// The generated code must have been written into the working directory.
	if _, err := os.Stat(filepath.Join(workDir, ScriptFilename)); err != nil {
		t.Errorf("Expected %s in work dir: %v", ScriptFilename, err)
	}
}

func TestRun_NonzeroExit(t *testing.T) {
	blender := fakeBlender(t, `echo "Traceback: boom" >&2; exit 1`)

	e := New(testExecutorConfig(blender), testLogger())

	_, err := e.Run(context.Background(), "import bpy", t.TempDir())
	if err == nil {
		t.Fatal("Expected error")
	}

	var execErr *Error
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if execErr.Class != FailNonzeroExit {
		t.Errorf("Expected class %s, got %s", FailNonzeroExit, execErr.Class)
	}
	if execErr.Stage != StageMesh {
		t.Errorf("Expected mesh stage, got %s", execErr.Stage)
	}
}

func TestRun_MeshArtifactMissing(t *testing.T) {
	// Exits cleanly but never writes model.stl.
	blender := fakeBlender(t, `exit 0`)

	e := New(testExecutorConfig(blender), testLogger())

	_, err := e.Run(context.Background(), "import bpy", t.TempDir())
	if err == nil {
		t.Fatal("Expected error")
	}
	if Classify(err) != FailArtifactMissing {
		t.Errorf("Expected class %s, got %s", FailArtifactMissing, Classify(err))
	}
}

func TestRun_RenderArtifactMissing(t *testing.T) {
	// Mesh succeeds, render exits cleanly without writing the image.
	blender := fakeBlender(t, `case "$*" in
*--python-expr*) exit 0 ;;
*) touch model.stl ;;
esac`)

	e := New(testExecutorConfig(blender), testLogger())

	_, err := e.Run(context.Background(), "import bpy", t.TempDir())
	if err == nil {
		t.Fatal("Expected error")
	}

	var execErr *Error
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if execErr.Stage != StageRender || execErr.Class != FailArtifactMissing {
		t.Errorf("Expected render/artifact_missing, got %s/%s", execErr.Stage, execErr.Class)
	}
}

func TestRun_MeshTimeout(t *testing.T) {
	blender := fakeBlender(t, `sleep 5`)

	cfg := testExecutorConfig(blender)
	cfg.MeshTimeoutSeconds = 1

	e := New(cfg, testLogger())

	_, err := e.Run(context.Background(), "import bpy", t.TempDir())
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if Classify(err) != FailTimeout {
		t.Errorf("Expected class %s, got %s", FailTimeout, Classify(err))
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	blender := fakeBlender(t, `touch model.stl`)

	e := New(testExecutorConfig(blender), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, "import bpy", t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/thomaker/blendforge/internal/config"
	"github.com/thomaker/blendforge/internal/metrics"
)

// Well-known filenames within an attempt's working directory. The oracle
// prompt instructs generated scripts to export MeshFilename; the render
// program writes RenderFilename.
const (
	ScriptFilename = "script.py"
	MeshFilename   = "model.stl"
	RenderFilename = "render.png"
)

// Failure classes for executor errors.
const (
	FailTimeout         = "timeout"
	FailNonzeroExit     = "nonzero_exit"
	FailArtifactMissing = "artifact_missing"
)

// Stage names.
const (
	StageMesh   = "mesh"
	StageRender = "render"
)

// Error is a classified executor failure.
type Error struct {
	Stage  string
	Class  string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s stage failed (%s): %s", e.Stage, e.Class, e.Detail)
	}
	return fmt.Sprintf("%s stage failed (%s)", e.Stage, e.Class)
}

// Classify returns the failure class of an executor error, or
// FailNonzeroExit for unclassified failures.
func Classify(err error) string {
	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr.Class
	}
	return FailNonzeroExit
}

// Executor runs generated Blender code to produce a mesh and a rendered
// image. The mesh and render stages are independent subprocess invocations
// with independent timeouts.
type Executor struct {
	cfg    config.ExecutorConfig
	logger *slog.Logger
}

// New creates a new executor.
func New(cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		logger: logger.With("component", "executor"),
	}
}

// Run executes generated code inside workDir and returns the rendered image
// bytes. workDir must be fresh per attempt; Run never cleans it up, the
// orchestrator owns the directory lifecycle.
func (e *Executor) Run(ctx context.Context, code, workDir string) ([]byte, error) {
	scriptPath := filepath.Join(workDir, ScriptFilename)
	if err := os.WriteFile(scriptPath, []byte(code), 0644); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	meshTimeout := time.Duration(e.cfg.MeshTimeoutSeconds) * time.Second
	if err := e.runBlender(ctx, workDir, StageMesh, meshTimeout, "--python", scriptPath); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(workDir, MeshFilename)); err != nil {
		return nil, &Error{Stage: StageMesh, Class: FailArtifactMissing, Detail: MeshFilename + " was not generated"}
	}

	renderTimeout := time.Duration(e.cfg.RenderTimeoutSeconds) * time.Second
	if err := e.runBlender(ctx, workDir, StageRender, renderTimeout, "--python-expr", e.renderProgram()); err != nil {
		return nil, err
	}
	renderPath := filepath.Join(workDir, RenderFilename)
	if _, err := os.Stat(renderPath); err != nil {
		return nil, &Error{Stage: StageRender, Class: FailArtifactMissing, Detail: RenderFilename + " was not generated"}
	}

	image, err := os.ReadFile(renderPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read render: %w", err)
	}

	e.logger.Debug("Render completed", "work_dir", workDir, "image_bytes", len(image))
	return image, nil
}

func (e *Executor) runBlender(ctx context.Context, workDir, stage string, timeout time.Duration, args ...string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdArgs := append([]string{"--background"}, args...)
	cmd := exec.CommandContext(cmdCtx, e.cfg.BlenderPath, cmdArgs...)
	cmd.Dir = workDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)
	metrics.RecordExecutorStage(stage, duration, err == nil)

	if cmdCtx.Err() == context.DeadlineExceeded {
		e.logger.Warn("Blender stage timed out", "stage", stage, "timeout", timeout)
		return &Error{Stage: stage, Class: FailTimeout, Detail: fmt.Sprintf("exceeded %s", timeout)}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		detail := tail(stderr.String(), 500)
		e.logger.Warn("Blender stage failed", "stage", stage, "duration", duration, "stderr", detail)
		return &Error{Stage: stage, Class: FailNonzeroExit, Detail: detail}
	}

	e.logger.Debug("Blender stage completed", "stage", stage, "duration", duration)
	return nil
}

// renderProgram builds the Blender expression that imports the STL, sets up
// a light and camera, and renders to RenderFilename.
func (e *Executor) renderProgram() string {
	return fmt.Sprintf(`import bpy
bpy.ops.object.select_all(action='SELECT')
bpy.ops.object.delete(use_global=False)
bpy.ops.import_mesh.stl(filepath='%s')
obj = bpy.context.selected_objects[0]
bpy.context.view_layer.objects.active = obj
bpy.ops.object.origin_set(type='GEOMETRY_ORIGIN', center='BOUNDS')
obj.location = (0, 0, 0)
bpy.ops.object.light_add(type='SUN', location=(5, 5, 10))
bpy.context.active_object.data.energy = 3
bpy.ops.object.camera_add(location=(7, -7, 5))
camera = bpy.context.active_object
camera.rotation_euler = (1.1, 0, 0.785)
bpy.context.scene.camera = camera
bpy.context.scene.render.resolution_x = %d
bpy.context.scene.render.resolution_y = %d
bpy.context.scene.render.filepath = '%s'
bpy.ops.render.render(write_still=True)`,
		MeshFilename, e.cfg.RenderWidth, e.cfg.RenderHeight, RenderFilename)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Package builder implements Builder: produces the runnable artifact for a
// Rust-typed process and streams the build tool's output into a dedicated
// build LogBuffer, addressable via the search_build_log operation.
package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/loykin/mcp-supervisor/internal/logbuffer"
	"github.com/loykin/mcp-supervisor/internal/mode"
	"github.com/loykin/mcp-supervisor/internal/svcerr"
)

// Builder produces artifacts for one project directory. A single Builder
// serves every Rust-typed process configured for that project.
type Builder struct {
	projectDir string
	hasDirenv  bool
}

// New inspects projectDir for a .envrc marker and returns a ready Builder.
func New(projectDir string) *Builder {
	_, err := os.Stat(filepath.Join(projectDir, ".envrc"))
	return &Builder{projectDir: projectDir, hasDirenv: err == nil}
}

// Wrap prepends the direnv loader ahead of argv when the project directory
// carries a .envrc marker, per spec.md §4.2. Both the build invocation
// (below) and every spawn of the resulting artifact or of an External
// process's command must go through this, since spec.md requires "all
// subsystem commands (build and spawn)" to run under the loader.
func (b *Builder) Wrap(argv []string) []string {
	if !b.hasDirenv {
		return argv
	}
	wrapped := make([]string, 0, len(argv)+3)
	wrapped = append(wrapped, "direnv", "exec", b.projectDir)
	return append(wrapped, argv...)
}

// Build runs cargo in the project directory in the given mode, streaming
// combined stdout+stderr into buildLogs, and returns the resolved artifact
// path on success. processName does not select a target: the artifact is
// the binary named after Cargo.toml's [package].name.
func (b *Builder) Build(ctx context.Context, processName string, m mode.Mode, buildLogs *logbuffer.Buffer) (string, error) {
	buildLogs.NewInstance()

	argv := []string{"cargo", "build"}
	if m == mode.Release {
		argv = append(argv, "--release")
	}
	argv = b.Wrap(argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = b.projectDir
	out := &logbuffer.LineWriter{Buf: buildLogs, Stream: logbuffer.StreamStdout}
	errW := &logbuffer.LineWriter{Buf: buildLogs, Stream: logbuffer.StreamStderr}
	cmd.Stdout = out
	cmd.Stderr = errW

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %v", svcerr.ErrBuildFailed, err)
	}

	binDir := "debug"
	if m == mode.Release {
		binDir = "release"
	}
	name, err := binaryName(b.projectDir)
	if err != nil {
		return "", err
	}
	artifact := filepath.Join(b.projectDir, "target", binDir, name)
	if _, err := os.Stat(artifact); err != nil {
		return "", fmt.Errorf("%w: %s", svcerr.ErrNoSuchBinary, artifact)
	}
	return artifact, nil
}

// cargoManifest captures only the fields this package needs from
// Cargo.toml.
type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
}

// binaryName resolves the produced binary's name from the crate's
// Cargo.toml [package].name, the concrete algorithm behind spec.md §4.2's
// "parse the project manifest to find the binary name."
func binaryName(projectDir string) (string, error) {
	path := filepath.Join(projectDir, "Cargo.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", svcerr.ErrManifestUnreadable, err)
	}
	var manifest cargoManifest
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return "", fmt.Errorf("%w: %v", svcerr.ErrManifestUnreadable, err)
	}
	if manifest.Package.Name == "" {
		return "", fmt.Errorf("%w: [package].name missing in %s", svcerr.ErrManifestUnreadable, path)
	}
	return manifest.Package.Name, nil
}

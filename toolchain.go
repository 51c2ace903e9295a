package dylibfix

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/ZenLiuCN/dylibfix/macho"
	"go.uber.org/zap"
	"os/exec"
	"strings"
)

// Toolchain edits artifacts with the platform otool and install_name_tool.
type Toolchain struct {
	Otool           string // otool when empty
	InstallNameTool string // install_name_tool when empty
	Logger          *zap.Logger
}

func (t Toolchain) otool() string {
	if t.Otool == "" {
		return "otool"
	}
	return t.Otool
}

func (t Toolchain) installNameTool() string {
	if t.InstallNameTool == "" {
		return "install_name_tool"
	}
	return t.InstallNameTool
}

func (t Toolchain) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

func (t Toolchain) Open(path string, writable bool) (Artifact, error) {
	tools := []string{t.otool()}
	if writable {
		tools = append(tools, t.installNameTool())
	}
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			return nil, fmt.Errorf("missing %s: %w", tool, err)
		}
	}
	a := &toolArtifact{Toolchain: t, path: path, writable: writable}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// run a tool and return its standard output.
func (t Toolchain) run(name string, args ...string) (out []byte, err error) {
	cmd := exec.Command(name, args...)
	t.logger().Debug("execute", zap.Strings("args", cmd.Args))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if out, err = cmd.Output(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, fmt.Errorf("%s: %w\nerr:%s", name, err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return
}

type toolArtifact struct {
	Toolchain
	path     string
	writable bool
	id       string
	deps     []string
}

func (a *toolArtifact) load() (err error) {
	var out []byte
	if out, err = a.run(a.otool(), "-D", a.path); err != nil {
		return
	}
	a.id = parseOtoolID(out)
	if out, err = a.run(a.otool(), "-L", a.path); err != nil {
		return
	}
	a.deps = parseOtoolLibraries(out)
	// otool -L lists the identifier of a dylib first
	if a.id != "" && len(a.deps) > 0 && a.deps[0] == a.id {
		a.deps = a.deps[1:]
	}
	return
}

func (a *toolArtifact) ID() string {
	return a.id
}

func (a *toolArtifact) Dependencies() []string {
	return a.deps
}

func (a *toolArtifact) SetID(id string) (err error) {
	if !a.writable {
		return macho.ErrReadOnly
	}
	if a.id == "" {
		return macho.ErrNotDylib
	}
	if _, err = a.run(a.installNameTool(), "-id", id, a.path); err != nil {
		return
	}
	return a.load()
}

func (a *toolArtifact) ChangeDependency(old, path string) (err error) {
	if !a.writable {
		return macho.ErrReadOnly
	}
	if _, err = a.run(a.installNameTool(), "-change", old, path, a.path); err != nil {
		return
	}
	return a.load()
}

func (a *toolArtifact) Close() error {
	return nil
}

// parseOtoolID reads the output of otool -D: a "file:" header line per architecture followed by the identifier.
func parseOtoolID(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		return line
	}
	return ""
}

// parseOtoolLibraries reads the output of otool -L, one tab indented
// "path (compatibility version x, current version y)" line per load command.
func parseOtoolLibraries(out []byte) (v []string) {
	seen := make(map[string]struct{})
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, " ") {
			continue
		}
		line = strings.TrimSpace(line)
		if i := strings.Index(line, " (compatibility version"); i >= 0 {
			line = line[:i]
		} else if i = strings.LastIndex(line, " ("); i >= 0 {
			line = line[:i]
		}
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		v = append(v, line)
	}
	return
}

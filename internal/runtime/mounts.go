package runtime

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/errors"
)

// Sandbox-side mount targets.
const (
	WorkspaceTarget = "/workspace"
	IPCTarget       = "/ipc"
	SharedTarget    = "/shared"
)

// IPCTargetFor is where a group's channel directory appears inside its
// sandbox. Its parent is the root a sandbox-side ipc.Bus is opened on.
func IPCTargetFor(groupID string) string {
	return path.Join(IPCTarget, groupID)
}

// Mount represents a bind mount into a sandbox
type Mount struct {
	// Source is the host path
	Source string

	// Target is the path inside the sandbox
	Target string

	// ReadOnly makes the mount read-only
	ReadOnly bool
}

// String renders the mount in -v syntax.
func (m Mount) String() string {
	s := fmt.Sprintf("%s:%s", m.Source, m.Target)
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// MountArgs converts mounts to Docker/Podman command line arguments
func MountArgs(mounts []Mount) []string {
	args := make([]string, 0, 2*len(mounts))
	for _, m := range mounts {
		args = append(args, "-v", m.String())
	}
	return args
}

// MountPolicy decides what a group's sandbox may see.
type MountPolicy struct {
	// WorkspaceRoot holds one workspace directory per group.
	WorkspaceRoot string

	// IPCRoot holds one channel directory per group.
	IPCRoot string

	// StateDir holds orchestrator state. Only a group's own directories
	// beneath it may be mounted.
	StateDir string

	// SharedPaths are mounted read-only into every sandbox.
	SharedPaths []string

	// ForbiddenPaths are never mounted, nor anything beneath or above them.
	ForbiddenPaths []string
}

// NewMountPolicy builds the policy from configuration. Besides the
// configured forbidden paths it always protects the config and run
// directories, the audit log, the secret bundle, the SQLite database and
// the directory of the running binary.
func NewMountPolicy(cfg *config.Config, paths *config.Paths) MountPolicy {
	forbidden := append([]string{}, cfg.Sandbox.ForbiddenPaths...)
	if paths != nil {
		forbidden = append(forbidden, paths.ConfigDir, paths.RunDir, paths.AuditDir)
	}
	if cfg.Secrets.BundlePath != "" {
		forbidden = append(forbidden, cfg.Secrets.BundlePath)
	}
	if db := sqlitePath(cfg.Store); db != "" {
		forbidden = append(forbidden, db)
	}
	if exe, err := os.Executable(); err == nil && !underAny(exe, cfg.Sandbox.SystemPaths) {
		forbidden = append(forbidden, filepath.Dir(exe))
	}

	p := MountPolicy{
		WorkspaceRoot: cfg.Sandbox.WorkspaceRoot,
		IPCRoot:       cfg.IPC.Root,
		SharedPaths:   cfg.Sandbox.SharedPaths,
	}
	if paths != nil {
		p.StateDir = paths.StateDir
	}
	for _, f := range forbidden {
		if f != "" && filepath.IsAbs(f) {
			p.ForbiddenPaths = append(p.ForbiddenPaths, f)
		}
	}
	return p
}

// underAny reports whether path lies beneath one of dirs. A binary
// installed into a system directory is part of the read-only system image.
func underAny(path string, dirs []string) bool {
	for _, d := range dirs {
		if within(filepath.Clean(path), filepath.Clean(d)) {
			return true
		}
	}
	return false
}

// CheckSystem rejects system paths that overlap orchestrator state, a
// group directory root or a forbidden path.
func (p MountPolicy) CheckSystem(paths []string) error {
	guarded := append([]string{p.StateDir, p.WorkspaceRoot, p.IPCRoot}, p.ForbiddenPaths...)
	for _, sp := range paths {
		src := resolve(sp)
		for _, g := range guarded {
			if g == "" {
				continue
			}
			dir := resolve(g)
			if within(src, dir) || within(dir, src) {
				return errors.ValidationError(fmt.Sprintf("system path %s overlaps %s", sp, g))
			}
		}
	}
	return nil
}

// sqlitePath extracts the database file from a SQLite DSN.
func sqlitePath(c config.StoreConfig) string {
	if c.Driver != "sqlite" {
		return ""
	}
	dsn := strings.TrimPrefix(c.DSN, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	return dsn
}

// Workspace returns the host path of a group's workspace.
func (p MountPolicy) Workspace(groupID string) (string, error) {
	return config.GroupDir(p.WorkspaceRoot, groupID)
}

// GroupIPC returns the host path of a group's channel directory.
func (p MountPolicy) GroupIPC(groupID string) (string, error) {
	return config.GroupDir(p.IPCRoot, groupID)
}

// ForGroup returns the standard mount set for a group: its workspace and
// channel directory read-write, the shared paths read-only.
func (p MountPolicy) ForGroup(groupID string) ([]Mount, error) {
	ws, err := p.Workspace(groupID)
	if err != nil {
		return nil, err
	}
	mounts := []Mount{{Source: ws, Target: WorkspaceTarget}}

	if p.IPCRoot != "" {
		dir, err := p.GroupIPC(groupID)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, Mount{Source: dir, Target: IPCTargetFor(groupID)})
	}

	for _, shared := range p.SharedPaths {
		mounts = append(mounts, Mount{
			Source:   shared,
			Target:   filepath.Join(SharedTarget, filepath.Base(shared)),
			ReadOnly: true,
		})
	}
	return mounts, p.Check(groupID, mounts)
}

// Check rejects any mount that would expose a forbidden path, another
// group's workspace or channel, or a writable path outside the group's
// own directories.
func (p MountPolicy) Check(groupID string, mounts []Mount) error {
	ws, err := p.Workspace(groupID)
	if err != nil {
		return errors.ValidationError(err.Error())
	}
	own := []string{resolve(ws)}
	roots := []string{resolve(p.WorkspaceRoot)}
	if p.IPCRoot != "" {
		dir, err := p.GroupIPC(groupID)
		if err != nil {
			return errors.ValidationError(err.Error())
		}
		own = append(own, resolve(dir))
		roots = append(roots, resolve(p.IPCRoot))
	}

	for _, m := range mounts {
		if !filepath.IsAbs(m.Source) {
			return errors.ValidationError(fmt.Sprintf("mount source %q is not absolute", m.Source))
		}
		src := resolve(m.Source)

		for _, f := range p.ForbiddenPaths {
			forbidden := resolve(f)
			if within(src, forbidden) || within(forbidden, src) {
				return errors.ValidationError(fmt.Sprintf("mount %s overlaps forbidden path %s", m.Source, f))
			}
		}

		ownPath := false
		for _, dir := range own {
			if within(src, dir) {
				ownPath = true
			}
		}
		if !ownPath {
			if p.StateDir != "" {
				state := resolve(p.StateDir)
				if within(src, state) || within(state, src) {
					return errors.ValidationError(fmt.Sprintf("mount %s exposes orchestrator state", m.Source))
				}
			}
			for _, root := range roots {
				if within(src, root) || within(root, src) {
					return errors.ValidationError(fmt.Sprintf("mount %s exposes another group's directory", m.Source))
				}
			}
			if !m.ReadOnly {
				return errors.ValidationError(fmt.Sprintf("mount %s must be read-only", m.Source))
			}
		}
	}
	return nil
}

// resolve cleans path and follows symlinks when it exists.
func resolve(path string) string {
	path = filepath.Clean(path)
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real
	}
	return path
}

// within reports whether path is dir or lies beneath it.
func within(path, dir string) bool {
	if path == dir || dir == "/" {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

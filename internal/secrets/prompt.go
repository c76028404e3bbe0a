package secrets

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/fsutil"
	"github.com/firefly-engineering/warden/internal/runtime"
)

// Environment variables describing the prompt.
const (
	PromptEnv     = "WARDEN_PROMPT"
	PromptFileEnv = "WARDEN_PROMPT_FILE"
)

// Stager places oversized prompts where a sandbox can read them.
type Stager struct {
	// Ceiling is the largest prompt passed through the environment.
	Ceiling int

	// HostDir is where staged prompts are written on the host.
	HostDir string

	// SandboxDir is the same directory as seen from inside the sandbox.
	SandboxDir string
}

// Attach adds prompt to spec. A prompt within the ceiling travels in the
// environment. A larger one is written under HostDir and the sandbox gets
// its path instead, unless it contains a secret value, in which case it is
// refused. The returned cleanup removes any staged file.
func (s Stager) Attach(spec runtime.LaunchSpec, name, prompt string, secrets Set) (runtime.LaunchSpec, func(), error) {
	noop := func() {}
	if len(prompt) <= s.Ceiling {
		return Inject(Set{PromptEnv: prompt}, spec), noop, nil
	}

	if secrets.Contains(prompt) {
		return spec, noop, errors.ValidationError(
			fmt.Sprintf("prompt of %d bytes exceeds the environment ceiling and contains a secret value", len(prompt)))
	}

	if err := os.MkdirAll(s.HostDir, 0o750); err != nil {
		return spec, noop, fmt.Errorf("create prompt dir: %w", err)
	}
	file := name + ".prompt"
	hostPath := filepath.Join(s.HostDir, file)
	if err := fsutil.WriteFileAtomic(hostPath, []byte(prompt), 0o640); err != nil {
		return spec, noop, fmt.Errorf("stage prompt: %w", err)
	}

	cleanup := func() { _ = os.Remove(hostPath) }
	return Inject(Set{PromptFileEnv: filepath.Join(s.SandboxDir, file)}, spec), cleanup, nil
}

package secrets

import (
	"bytes"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/runtime"
)

func lookupFrom(env map[string]string) Option {
	return WithLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
}

func TestResolve_OnlyAllowListed(t *testing.T) {
	env := map[string]string{
		"API_TOKEN":     "tok-123",
		"SEARCH_KEY":    "search-456",
		"AWS_SECRET":    "never-forward",
		"UNRELATED_VAR": "x",
	}
	p, err := New(config.SecretsConfig{Allow: []string{"API_TOKEN", "SEARCH_KEY"}}, lookupFrom(env))
	require.NoError(t, err)

	got, err := p.Resolve([]string{"API_TOKEN", "AWS_SECRET"})
	require.NoError(t, err)
	assert.Equal(t, Set{"API_TOKEN": "tok-123"}, got)

	got, err = p.Resolve(p.Allowed())
	require.NoError(t, err)
	assert.Equal(t, []string{"API_TOKEN", "SEARCH_KEY"}, got.Keys())
}

func TestResolve_MissingFailsThatLaunch(t *testing.T) {
	cfg := config.SecretsConfig{Allow: []string{"API_TOKEN", "DEPLOY_KEY"}, Required: []string{"API_TOKEN"}}
	p, err := New(cfg, lookupFrom(map[string]string{"API_TOKEN": "tok-123"}))
	require.NoError(t, err)

	// Allow-listed but unset: fails even though it is not required.
	_, err = p.Resolve([]string{"API_TOKEN", "DEPLOY_KEY"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSecretMissing))

	// A launch that does not need the missing key still resolves.
	got, err := p.Resolve([]string{"API_TOKEN"})
	require.NoError(t, err)
	assert.Equal(t, Set{"API_TOKEN": "tok-123"}, got)
}

func TestInject_DoesNotMutateSpec(t *testing.T) {
	spec := runtime.LaunchSpec{Env: map[string]string{"WARDEN_GROUP_ID": "family"}}
	out := Inject(Set{"API_TOKEN": "tok"}, spec)

	assert.Equal(t, "tok", out.Env["API_TOKEN"])
	assert.Equal(t, "family", out.Env["WARDEN_GROUP_ID"])
	assert.NotContains(t, spec.Env, "API_TOKEN")
	assert.Empty(t, spec.SecretKeys)

	out = Inject(Set{"WARDEN_IPC_KEY_IN": "k", "API_TOKEN": "tok"}, out)
	assert.Equal(t, []string{"API_TOKEN", "WARDEN_IPC_KEY_IN"}, out.SecretKeys)
	assert.True(t, out.IsSecret("API_TOKEN"))
	assert.False(t, out.IsSecret("WARDEN_GROUP_ID"))
}

func TestSet_LogValueRedacts(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	log.Info("loaded", "secrets", Set{"API_TOKEN": "tok-123"})

	assert.Contains(t, buf.String(), "API_TOKEN")
	assert.NotContains(t, buf.String(), "tok-123")
}

func TestBundle(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	sealed, err := SealBundle(map[string]string{"API_TOKEN": "from-bundle", "NOT_ALLOWED": "x", "SEARCH_KEY": "a=b"}, id.Recipient().String())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secrets.age")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	env := map[string]string{
		"WARDEN_AGE_IDENTITY": id.String(),
		"SEARCH_KEY":          "from-env",
	}
	cfg := config.SecretsConfig{
		Allow:       []string{"API_TOKEN", "SEARCH_KEY"},
		BundlePath:  path,
		IdentityEnv: "WARDEN_AGE_IDENTITY",
	}
	p, err := New(cfg, lookupFrom(env))
	require.NoError(t, err)

	got, err := p.Resolve([]string{"API_TOKEN", "SEARCH_KEY", "NOT_ALLOWED"})
	require.NoError(t, err)
	assert.Equal(t, Set{"API_TOKEN": "from-bundle", "SEARCH_KEY": "from-env"}, got)
}

func TestBundle_MissingIdentity(t *testing.T) {
	cfg := config.SecretsConfig{BundlePath: "/nonexistent", IdentityEnv: "WARDEN_AGE_IDENTITY"}
	_, err := New(cfg, lookupFrom(map[string]string{}))
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestParseBundle(t *testing.T) {
	values, err := ParseBundle(strings.NewReader("# comment\n\nA=1\nB = two=2\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": " two=2"}, values)

	_, err = ParseBundle(strings.NewReader("A=1\nsecret-without-key\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.NotContains(t, err.Error(), "secret-without-key")
}

func TestStager(t *testing.T) {
	hostDir := filepath.Join(t.TempDir(), "prompts")
	s := Stager{Ceiling: 16, HostDir: hostDir, SandboxDir: "/ipc/prompts"}
	secrets := Set{"API_TOKEN": "tok-123"}
	spec := runtime.LaunchSpec{Env: map[string]string{}}

	t.Run("small prompt in environment", func(t *testing.T) {
		out, cleanup, err := s.Attach(spec, "inv1", "hello", secrets)
		require.NoError(t, err)
		defer cleanup()
		assert.Equal(t, "hello", out.Env[PromptEnv])
		assert.NotContains(t, out.Env, PromptFileEnv)
	})

	t.Run("large prompt staged", func(t *testing.T) {
		prompt := strings.Repeat("long prompt ", 10)
		out, cleanup, err := s.Attach(spec, "inv2", prompt, secrets)
		require.NoError(t, err)

		assert.Equal(t, "/ipc/prompts/inv2.prompt", out.Env[PromptFileEnv])
		data, err := os.ReadFile(filepath.Join(hostDir, "inv2.prompt"))
		require.NoError(t, err)
		assert.Equal(t, prompt, string(data))

		cleanup()
		_, err = os.Stat(filepath.Join(hostDir, "inv2.prompt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("large prompt with secret refused", func(t *testing.T) {
		prompt := strings.Repeat("x", 32) + "tok-123"
		_, _, err := s.Attach(spec, "inv3", prompt, secrets)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrValidation))
	})
}

// TestSecretsNeverOnDisk provisions, injects and stages, then scans every
// file that was written.
func TestSecretsNeverOnDisk(t *testing.T) {
	root := t.TempDir()
	env := map[string]string{"API_TOKEN": "tok-very-secret-123"}
	p, err := New(config.SecretsConfig{Allow: []string{"API_TOKEN"}}, lookupFrom(env))
	require.NoError(t, err)

	set, err := p.Resolve(p.Allowed())
	require.NoError(t, err)

	s := Stager{Ceiling: 8, HostDir: filepath.Join(root, "prompts"), SandboxDir: "/ipc/prompts"}
	spec := Inject(set, runtime.LaunchSpec{Env: map[string]string{}})
	spec, cleanup, err := s.Attach(spec, "inv", strings.Repeat("summarize the thread ", 20), set)
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, "tok-very-secret-123", spec.Env["API_TOKEN"])

	files := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		files++
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		assert.NotContains(t, string(data), "tok-very-secret-123", "secret found in %s", path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, files, "only the staged prompt should exist")
}

package ipc

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/firefly-engineering/warden/internal/audit"
	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/fsutil"
	"github.com/firefly-engineering/warden/internal/logging"
	"github.com/firefly-engineering/warden/internal/metrics"
)

const (
	pendingDir    = "pending"
	processedDir  = "processed"
	quarantineDir = "quarantine"
	fileSuffix    = ".msg"
)

var segmentRegex = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,62}$`)

// ValidateChannel checks a channel name: one or more slash-separated
// segments of lowercase letters, digits, '_' and '-'.
func ValidateChannel(channel string) error {
	if channel == "" {
		return fmt.Errorf("channel name cannot be empty")
	}
	for _, seg := range strings.Split(channel, "/") {
		if !segmentRegex.MatchString(seg) {
			return fmt.Errorf("invalid channel name %q", channel)
		}
	}
	return nil
}

// InChannel is the orchestrator-to-sandbox channel of a group.
func InChannel(group string) string { return group + "/in" }

// OutChannel is the sandbox-to-orchestrator channel of a group.
func OutChannel(group string) string { return group + "/out" }

// GroupOf returns the first segment of a channel name.
func GroupOf(channel string) string {
	group, _, _ := strings.Cut(channel, "/")
	return group
}

// Message is a verified, consumed message.
type Message struct {
	Channel     string
	ID          string
	Seq         uint64
	CreatedAt   time.Time
	Payload     []byte
	Fingerprint string
	File        string
}

// Bus publishes and consumes messages under one root directory.
type Bus struct {
	root    string
	keys    KeySource
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Recorder
	audit   *audit.Logger
	seq     atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock sets the time source for message timestamps.
func WithClock(c clock.Clock) Option { return func(b *Bus) { b.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.log = l } }

// WithMetrics counts consumed and quarantined messages.
func WithMetrics(m *metrics.Recorder) Option { return func(b *Bus) { b.metrics = m } }

// WithAudit records quarantined messages.
func WithAudit(a *audit.Logger) Option { return func(b *Bus) { b.audit = a } }

// New returns a Bus rooted at root. The orchestrator passes its Keyring;
// a sandbox passes the ChannelKeys it was issued.
func New(root string, keys KeySource, opts ...Option) *Bus {
	b := &Bus{root: root, keys: keys, clock: clock.Real()}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.Component(b.log, "ipc")
	return b
}

// OpenSandboxBus opens the bus from inside a sandbox. dir is the group's
// channel directory as the sandbox sees it; its parent is the bus root.
// The channel keys come from the environment.
func OpenSandboxBus(dir string, opts ...Option) (*Bus, string, error) {
	dir = filepath.Clean(dir)
	group := filepath.Base(dir)
	if err := ValidateChannel(InChannel(group)); err != nil {
		return nil, "", err
	}
	keys, err := SandboxKeysFromEnv(group)
	if err != nil {
		return nil, "", err
	}
	return New(filepath.Dir(dir), keys, opts...), group, nil
}

// Root returns the bus directory.
func (b *Bus) Root() string { return b.root }

// Dir returns a channel's directory.
func (b *Bus) Dir(channel string) string {
	return filepath.Join(b.root, filepath.FromSlash(channel))
}

func (b *Bus) sub(channel, name string) string {
	return filepath.Join(b.Dir(channel), name)
}

// Ensure creates the channel directories.
func (b *Bus) Ensure(channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	for _, d := range []string{pendingDir, processedDir, quarantineDir} {
		if err := os.MkdirAll(b.sub(channel, d), 0o770); err != nil {
			return fmt.Errorf("create %s dir for %s: %w", d, channel, err)
		}
	}
	return nil
}

// Publish signs payload and writes it into the channel. It returns the
// message id.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := b.Ensure(channel); err != nil {
		return "", err
	}

	key := b.keys.ChannelKey(channel)
	if key == nil {
		return "", errors.ValidationError("no signing key for channel " + channel)
	}

	now := b.clock.Now()
	env := Envelope{
		Header: Header{
			Channel:            channel,
			CreatedAt:          now.UnixMilli(),
			SignatureAlgorithm: SignatureAlgorithm,
			ID:                 uuid.NewString(),
			Seq:                b.seq.Add(1),
		},
		Payload:   payload,
		Signature: sign(key, payload),
	}
	data, err := env.Encode()
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return "", errors.ValidationError(fmt.Sprintf("message of %d bytes exceeds %d", len(data), MaxMessageSize))
	}

	path := filepath.Join(b.sub(channel, pendingDir), fileName(env.Header))
	if err := fsutil.WriteFileAtomic(path, data, 0o660); err != nil {
		return "", fmt.Errorf("publish to %s: %w", channel, err)
	}
	b.log.Debug("published", "channel", channel, "id", env.Header.ID, "bytes", len(payload))
	return env.Header.ID, nil
}

// fileName sorts by creation time, then by publisher sequence.
func fileName(h Header) string {
	return fmt.Sprintf("%013d-%010d-%s%s", h.CreatedAt, h.Seq, h.ID[:8], fileSuffix)
}

// Pending lists the channel's pending files in consumption order.
func (b *Bus) Pending(channel string) ([]string, error) {
	entries, err := os.ReadDir(b.sub(channel, pendingDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", channel, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Quarantined lists the channel's quarantined files.
func (b *Bus) Quarantined(channel string) ([]string, error) {
	entries, err := os.ReadDir(b.sub(channel, quarantineDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Verify checks one pending file without consuming it. It returns a
// SignatureInvalid error describing the rejection, if any.
func (b *Bus) Verify(channel, name string) (*Message, error) {
	data, err := os.ReadFile(filepath.Join(b.sub(channel, pendingDir), name))
	if err != nil {
		return nil, err
	}
	env, reason := b.check(channel, data)
	if reason != "" {
		return nil, fmt.Errorf("%s: %w", reason, errors.SignatureInvalid(channel, name))
	}
	return b.message(channel, name, env, data), nil
}

// check returns the decoded envelope, or a rejection reason.
func (b *Bus) check(channel string, data []byte) (*Envelope, string) {
	env, err := DecodeEnvelope(data)
	switch {
	case err != nil:
		return nil, "undecodable"
	case len(env.Signature) == 0:
		return nil, "unsigned"
	case env.Header.SignatureAlgorithm != SignatureAlgorithm:
		return nil, "unsupported signature algorithm"
	case env.Header.Channel != channel:
		return nil, "channel mismatch"
	case !verify(b.keys.ChannelKey(channel), env.Payload, env.Signature):
		return nil, "signature mismatch"
	}
	return env, ""
}

func (b *Bus) message(channel, name string, env *Envelope, data []byte) *Message {
	sum := blake3.Sum256(data)
	return &Message{
		Channel:     channel,
		ID:          env.Header.ID,
		Seq:         env.Header.Seq,
		CreatedAt:   env.Header.CreatedTime(),
		Payload:     env.Payload,
		Fingerprint: hex.EncodeToString(sum[:]),
		File:        name,
	}
}

// Consume returns the oldest valid pending message, or false when none is
// left. Invalid messages met on the way are quarantined.
func (b *Bus) Consume(ctx context.Context, channel string) (*Message, bool, error) {
	names, err := b.Pending(channel)
	if err != nil {
		return nil, false, err
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		msg, err := b.consumeFile(ctx, channel, name)
		if err != nil {
			return nil, false, err
		}
		if msg != nil {
			return msg, true, nil
		}
	}
	return nil, false, nil
}

// consumeFile returns nil, nil when the file was quarantined, a duplicate
// or already gone.
func (b *Bus) consumeFile(ctx context.Context, channel, name string) (*Message, error) {
	path := filepath.Join(b.sub(channel, pendingDir), name)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if info.Size() > MaxMessageSize {
		return nil, b.quarantine(ctx, channel, name, "oversized")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	env, reason := b.check(channel, data)
	if reason != "" {
		return nil, b.quarantine(ctx, channel, name, reason)
	}

	msg := b.message(channel, name, env, data)
	link := filepath.Join(b.sub(channel, processedDir), msg.Fingerprint+fileSuffix)
	if err := os.Link(path, link); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("commit %s/%s: %w", channel, name, err)
		}
		b.log.Info("dropping already consumed message", "channel", channel, "file", name, "fingerprint", msg.Fingerprint)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		return nil, nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove consumed %s/%s: %w", channel, name, err)
	}
	if err := fsutil.SyncDir(filepath.Dir(path)); err != nil {
		b.log.Warn("sync pending dir failed", "channel", channel, "error", err)
	}

	b.metrics.Consumed(ctx, channel)
	return msg, nil
}

func (b *Bus) quarantine(ctx context.Context, channel, name, reason string) error {
	from := filepath.Join(b.sub(channel, pendingDir), name)
	to := filepath.Join(b.sub(channel, quarantineDir), name)
	if _, err := os.Stat(to); err == nil {
		to += "." + uuid.NewString()[:8]
	}
	if err := os.Rename(from, to); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("quarantine %s/%s: %w", channel, name, err)
	}

	b.log.Warn("quarantined message", "channel", channel, "file", name, "reason", reason)
	b.metrics.Quarantine(ctx, channel, reason)
	if err := b.audit.LogEvent(audit.EventQuarantined, GroupOf(channel), channel+"/"+name, reason); err != nil {
		b.log.Warn("audit write failed", "error", err)
	}
	return nil
}

// Prune removes processed records older than before. Pending duplicates
// older than the horizon are no longer recognised.
func (b *Bus) Prune(channel string, before time.Time) (int, error) {
	dir := b.sub(channel, processedDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(before) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

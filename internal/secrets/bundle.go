package secrets

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"filippo.io/age"
)

// ParseBundle reads KEY=VALUE lines. Blank lines and lines starting with
// '#' are skipped. Errors name the line, never its contents.
func ParseBundle(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("bundle line %d: expected KEY=VALUE", line)
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return values, nil
}

// OpenBundle decrypts the age file at path with identity (an
// AGE-SECRET-KEY-1... string) and parses it. The plaintext only ever
// exists in memory.
func OpenBundle(path, identity string) (map[string]string, error) {
	ids, err := age.ParseIdentities(strings.NewReader(identity))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open secret bundle: %w", err)
	}
	defer f.Close()

	r, err := age.Decrypt(f, ids...)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret bundle: %w", err)
	}
	return ParseBundle(r)
}

// SealBundle encrypts values to the given age recipients (age1...).
func SealBundle(values map[string]string, recipients ...string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	parsed := make([]age.Recipient, 0, len(recipients))
	for _, r := range recipients {
		recipient, err := age.ParseX25519Recipient(r)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", r, err)
		}
		parsed = append(parsed, recipient)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, parsed...)
	if err != nil {
		return nil, fmt.Errorf("create age encryptor: %w", err)
	}
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s=%s\n", k, values[k]); err != nil {
			return nil, fmt.Errorf("write bundle: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize bundle: %w", err)
	}
	return buf.Bytes(), nil
}

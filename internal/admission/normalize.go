package admission

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/firefly-engineering/warden/internal/config"
)

// digestPrefix marks group ids derived from a digest. Raw ids in the
// digest form are hashed too, so only digests ever carry it.
const digestPrefix = "g-"

var digestIDRegex = regexp.MustCompile(`^g-[0-9a-f]{16}$`)

// Normalizer maps raw chat identifiers to stable scope ids. The mapping
// depends only on the input and the alias table, so it survives restarts.
// Ids compare case-insensitively: "Team-A" and "team-a" are one group.
type Normalizer struct {
	aliases func() map[string]string
}

// NewNormalizer returns a Normalizer reading the current alias table from
// aliases on every call, so reloads apply to the next message.
func NewNormalizer(aliases func() map[string]string) Normalizer {
	return Normalizer{aliases: aliases}
}

func canonical(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// User returns the canonical user id for a sender. Aliases fold several
// sender ids into one user. When alias keys differ only by case or
// surrounding space, the lexically smallest key wins.
func (n Normalizer) User(sender string) string {
	id := canonical(sender)
	if n.aliases == nil {
		return id
	}
	var key, target string
	found := false
	for raw, to := range n.aliases() {
		if canonical(raw) != id {
			continue
		}
		if !found || raw < key {
			key, target, found = raw, to, true
		}
	}
	if found {
		return canonical(target)
	}
	return id
}

// Group returns a group id safe for paths and scope keys. A valid id is
// kept after case folding. Anything else, including raw ids that look
// like digests, becomes "g-" and 16 hex digits of its blake3 digest, so a
// digest never equals a kept id.
func (n Normalizer) Group(raw string) (string, bool) {
	id := canonical(raw)
	if id == "" {
		return "", false
	}
	if config.ValidateGroupID(id) == nil && !digestIDRegex.MatchString(id) {
		return id, true
	}
	sum := blake3.Sum256([]byte(strings.TrimSpace(raw)))
	return digestPrefix + hex.EncodeToString(sum[:8]), true
}

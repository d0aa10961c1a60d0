// Package routing decides, for each inbound audio frame, which sessions
// receive it. Two sessions share a network on a channel pair when their
// canonicalized network identities are equal; an administrative alias
// table and an auto-merge-by-frequency mode fold identities together.
package routing

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
)

// Recipient is one delivery target for an audio frame, with the channel
// index on which the receiver matched the sender's network. The relay
// stamps that index into the outgoing packet's flag bits.
type Recipient struct {
	Session *session.Session
	ChanIdx int
}

// Engine holds the mutable alias table and the auto-merge flag, and
// resolves recipients against a session store. All state lives here
// explicitly; canonicalization itself is a pure function.
type Engine struct {
	mu        sync.RWMutex
	aliases   map[string]string
	autoMerge bool
	store     *session.Store
}

// NewEngine creates a routing engine over the given session store.
func NewEngine(store *session.Store) *Engine {
	return &Engine{
		aliases: make(map[string]string),
		store:   store,
	}
}

// CanonicalNet follows the alias chain for a network identity until a
// fixed point, then applies the auto-merge-by-frequency rule if no
// manual alias was involved.
func (e *Engine) CanonicalNet(id string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Canonicalize(id, e.aliases, e.autoMerge)
}

// Canonicalize resolves a network identity against an alias map and the
// auto-merge flag. A visited set bounds alias-chain cycles. When
// autoMerge is set and no manual alias applied, the result collapses to
// a synthetic frequency-only identity so stations on the same frequency
// unify across unrelated prefixes.
func Canonicalize(id string, aliases map[string]string, autoMerge bool) string {
	cur := strings.TrimSpace(id)
	if cur == "" {
		return ""
	}

	seen := make(map[string]bool)
	hadManualAlias := false
	for {
		next, ok := aliases[cur]
		if !ok || seen[cur] {
			break
		}
		hadManualAlias = true
		seen[cur] = true
		cur = next
	}

	if autoMerge && !hadManualAlias {
		if suffix, ok := freqSuffixOf(cur); ok {
			cur = autoCanonForSuffix(suffix)
		}
	}
	return cur
}

// freqSuffixOf extracts the 4-digit frequency suffix of a network
// identity. Identities without a positive numeric suffix (including the
// synthetic FREQ-* ids) are left alone.
func freqSuffixOf(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if len(id) < 4 {
		return "", false
	}
	suffix := id[len(id)-4:]
	for i := 0; i < len(suffix); i++ {
		if suffix[i] < '0' || suffix[i] > '9' {
			return "", false
		}
	}
	val, err := strconv.Atoi(suffix)
	if err != nil || val <= 0 {
		return "", false
	}
	return fmt.Sprintf("%04d", val), true
}

// autoCanonForSuffix builds the synthetic frequency-group identity,
// e.g. suffix "1000" -> "FREQ-100", "1005" -> "FREQ-100.5".
func autoCanonForSuffix(suffix string) string {
	val, err := strconv.Atoi(suffix)
	if err != nil {
		return "FREQ-" + suffix
	}
	mhz := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.1f", float64(val)/10.0), "0"), ".")
	return "FREQ-" + mhz
}

// MergeNet records that src should be treated as dst for routing and
// presence. Idempotent; a no-op when either side is empty or they are
// equal. The destination is canonicalized first so chains stay short.
func (e *Engine) MergeNet(src, dst string) {
	src = strings.TrimSpace(src)
	dst = strings.TrimSpace(dst)
	if src == "" || dst == "" || src == dst {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aliases[src] = Canonicalize(dst, e.aliases, e.autoMerge)
}

// ResetAliases clears all manual aliases. The auto-merge flag is
// untouched.
func (e *Engine) ResetAliases() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aliases = make(map[string]string)
}

// SetAutoMerge toggles frequency-only network grouping.
func (e *Engine) SetAutoMerge(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoMerge = enabled
}

// AutoMerge reports whether frequency-only grouping is enabled.
func (e *Engine) AutoMerge() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.autoMerge
}

// AliasCount returns the number of manual aliases.
func (e *Engine) AliasCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.aliases)
}

// RecipientsFor resolves the delivery set for an audio frame from the
// given sender.
//
// A session is a recipient when it is active, shares the sender's
// canonical network on at least one channel, and that channel is either
// its active channel or has per-channel scan enabled. The active
// channel is preferred when several channels match; otherwise the first
// scanned match in index order wins. Each session appears at most once.
// A sender with loopback enabled additionally receives its own audio on
// its active channel.
func (e *Engine) RecipientsFor(ssrc uint32) (recipients []Recipient, senderActiveNet string, chanIdx int, chanNet string) {
	sender := e.store.Get(ssrc)
	if sender == nil {
		return nil, "", 0, ""
	}

	senderIDs, activeRaw := sender.Networks()
	chanIdx = sender.ActiveChannel
	if chanIdx < 0 || chanIdx >= session.NumChannels {
		chanIdx = 0
	}
	senderActiveNet = e.CanonicalNet(activeRaw)
	chanNet = e.CanonicalNet(senderIDs[chanIdx])
	if chanNet == "" {
		return nil, senderActiveNet, chanIdx, chanNet
	}

	for _, other := range e.store.Active() {
		if other == sender {
			continue
		}

		otherIDs, _ := other.Networks()
		deliverIdx := -1
		for idx := range otherIDs {
			if e.CanonicalNet(otherIDs[idx]) != chanNet {
				continue
			}
			if other.ActiveChannel == idx {
				deliverIdx = idx
				break // prefer the active channel over any scanned match
			}
			if other.ScanChannels[idx] && deliverIdx < 0 {
				deliverIdx = idx
			}
		}
		if deliverIdx >= 0 {
			recipients = append(recipients, Recipient{Session: other, ChanIdx: deliverIdx})
		}
	}

	if sender.Loopback {
		recipients = append(recipients, Recipient{Session: sender, ChanIdx: chanIdx})
	}
	return recipients, senderActiveNet, chanIdx, chanNet
}

// PresenceSnapshot returns canonicalized presence rows for the admin
// poll reply and the dashboard.
func (e *Engine) PresenceSnapshot() []session.Row {
	return e.store.SnapshotRows(e.CanonicalNet)
}

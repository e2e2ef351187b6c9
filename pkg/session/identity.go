// Package session owns the visitor's stable identifier: an opaque token
// minted once per profile and reused on every start.
package session

import (
	"context"
	"crypto/rand"
	"io"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StorageKey is the single key the widget persists.
const StorageKey = "pf_session_id"

const (
	tokenPrefix    = "pf_"
	tokenRandomLen = 9
	base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

type Identity struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
	rand  io.Reader
}

type IdentityOption func(*Identity)

func WithClock(now func() time.Time) IdentityOption {
	return func(i *Identity) {
		if now != nil {
			i.now = now
		}
	}
}

func WithRandom(r io.Reader) IdentityOption {
	return func(i *Identity) {
		if r != nil {
			i.rand = r
		}
	}
}

func NewIdentity(store Store, opts ...IdentityOption) *Identity {
	i := &Identity{store: store, now: time.Now, rand: rand.Reader}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// GetOrCreate returns the persisted token, minting and persisting one when
// none exists. Storage failures degrade to an ephemeral token.
func (i *Identity) GetOrCreate(ctx context.Context) string {
	if i == nil {
		return NewToken(time.Now(), rand.Reader)
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.store != nil {
		v, ok, err := i.store.Get(ctx, StorageKey)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("component", "session").Msg("session store read failed, using ephemeral id")
		case ok && IsValidToken(v):
			return v
		}
	}

	token := NewToken(i.now(), i.rand)
	if i.store == nil {
		return token
	}
	if err := i.store.Set(ctx, StorageKey, token); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("session store write failed, id is ephemeral")
		return token
	}
	log.Debug().Str("component", "session").Str("session_id", token).Msg("minted visitor session id")
	return token
}

// Reset forgets the persisted token; the next GetOrCreate mints a new one.
func (i *Identity) Reset(ctx context.Context) error {
	if i == nil || i.store == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.store.Delete(ctx, StorageKey)
}

// NewToken builds "pf_" + 9 random base36 characters + the base36 unix
// millisecond timestamp.
func NewToken(now time.Time, r io.Reader) string {
	var b strings.Builder
	b.WriteString(tokenPrefix)
	base := big.NewInt(int64(len(base36Alphabet)))
	for range tokenRandomLen {
		n, err := rand.Int(r, base)
		if err != nil {
			// fall back to the clock rather than failing the widget
			n = big.NewInt(now.UnixNano() % int64(len(base36Alphabet)))
		}
		b.WriteByte(base36Alphabet[n.Int64()])
	}
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 36))
	return b.String()
}

// IsValidToken accepts any non-blank stored value, including ids minted by
// older widget builds without the prefix.
func IsValidToken(s string) bool {
	return strings.TrimSpace(s) != ""
}

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alumni-sync/pkg/alumni"
)

// Option mutates Session Store configuration.
type Option func(*Store)

// WithLogger configures the logger used for absorbed storage failures.
func WithLogger(logger *slog.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithPublisher configures where session-changed signals are published.
func WithPublisher(publisher alumni.SignalPublisher) Option {
	return func(store *Store) {
		if publisher != nil {
			store.publisher = publisher
		}
	}
}

// WithClock overrides the wall clock used for signal timestamps and expiry checks.
func WithClock(clock func() time.Time) Option {
	return func(store *Store) {
		if clock != nil {
			store.clock = clock
		}
	}
}

// Store holds the current credential and identity.
//
// Reads are served from an in-memory snapshot that is swapped as a whole, so a
// reader never observes a credential paired with another session's identity.
type Store struct {
	logger    *slog.Logger
	publisher alumni.SignalPublisher
	clock     func() time.Time
	slots     *Slots

	// writeMu serializes mutations including their slot I/O.
	writeMu sync.Mutex

	mu      sync.RWMutex
	current *alumni.Session
}

// Open creates a store backed by slots and loads any persisted session.
//
// A nil slots value means no durable storage is available: the store stays
// empty and every mutation is a silent no-op. Open never fails; unreadable or
// corrupted slots load as "no session".
func Open(ctx context.Context, slots *Slots, options ...Option) *Store {
	store := &Store{
		logger: slog.Default(),
		clock:  time.Now,
		slots:  slots,
	}
	for _, option := range options {
		option(store)
	}

	store.current = store.load(ctx)

	return store
}

// Session returns a copy of the current session.
func (s *Store) Session() (alumni.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return alumni.Session{}, false
	}

	return cloneSession(*s.current), true
}

// Credential returns the current bearer token.
func (s *Store) Credential() (alumni.Credential, bool) {
	current, ok := s.Session()
	if !ok {
		return "", false
	}

	return current.Credential, true
}

// Identity returns the current identity.
func (s *Store) Identity() (alumni.Identity, bool) {
	current, ok := s.Session()
	if !ok {
		return alumni.Identity{}, false
	}

	return current.Identity, true
}

// Authenticated reports whether a non-expired session is held.
func (s *Store) Authenticated() bool {
	current, ok := s.Session()
	return ok && !current.Expired(s.clock())
}

// SetSession persists credential and identity and replaces the current session.
//
// Invalid input is rejected. Storage failures and a missing durable storage are
// absorbed: prior state is left untouched and nil is returned.
func (s *Store) SetSession(ctx context.Context, credential alumni.Credential, identity alumni.Identity) error {
	if credential.IsZero() {
		return fmt.Errorf("set session: %w", alumni.ErrNoCredential)
	}
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.slots.usable() {
		s.logger.DebugContext(ctx, "session store has no durable storage; set ignored")
		return nil
	}

	identityJSON, err := marshalIdentity(identity, credential)
	if err != nil {
		return fmt.Errorf("set session: marshal identity %d: %w", identity.ID, err)
	}

	// The identity record names its token, so a crash between the two
	// writes loads as no session rather than a mismatched one.
	previousIdentity, hadIdentity, loadErr := loadSlot(ctx, s.slots.Identity)
	if loadErr != nil {
		s.logger.WarnContext(ctx, "session store read before write failed", "slot", SlotIdentity, "error", loadErr)
	}
	if err := s.slots.Identity.StoreSession(ctx, identityJSON); err != nil {
		s.logger.WarnContext(ctx, "session store write failed; session unchanged", "slot", SlotIdentity, "error", err)
		return nil
	}
	if err := s.slots.Token.StoreSession(ctx, []byte(credential)); err != nil {
		s.logger.WarnContext(ctx, "session store write failed; session unchanged", "slot", SlotToken, "error", err)
		s.restoreSlot(ctx, s.slots.Identity, SlotIdentity, previousIdentity, hadIdentity)
		return nil
	}

	next := &alumni.Session{
		Credential: credential,
		Identity:   identity.Clone(),
		ExpiresAt:  credentialExpiry(credential),
	}
	s.swap(next)
	s.publish(ctx, alumni.SessionChange{
		Reason:        alumni.SessionChangeSet,
		Authenticated: true,
		IdentityID:    identity.ID,
	})

	return nil
}

// UpdateIdentity replaces the identity and keeps the credential.
// It is a no-op when no session is held.
func (s *Store) UpdateIdentity(ctx context.Context, identity alumni.Identity) error {
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("update identity: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, ok := s.Session()
	if !ok || !s.slots.usable() {
		return nil
	}

	identityJSON, err := marshalIdentity(identity, current.Credential)
	if err != nil {
		return fmt.Errorf("update identity %d: marshal: %w", identity.ID, err)
	}
	if err := s.slots.Identity.StoreSession(ctx, identityJSON); err != nil {
		s.logger.WarnContext(ctx, "session store write failed; identity unchanged", "slot", SlotIdentity, "error", err)
		return nil
	}

	current.Identity = identity.Clone()
	s.swap(&current)
	s.publish(ctx, alumni.SessionChange{
		Reason:        alumni.SessionChangeIdentity,
		Authenticated: true,
		IdentityID:    identity.ID,
	})

	return nil
}

// ClearSession removes both slots and the in-memory session. It is idempotent;
// a signal is published only when a session was actually held.
func (s *Store) ClearSession(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.slots.usable() {
		var clearErr error
		if err := s.slots.Token.Clear(ctx); err != nil {
			clearErr = errors.Join(clearErr, err)
		}
		if err := s.slots.Identity.Clear(ctx); err != nil {
			clearErr = errors.Join(clearErr, err)
		}
		if clearErr != nil {
			s.logger.WarnContext(ctx, "session store clear failed", "error", clearErr)
		}
	}

	if previous := s.swap(nil); previous == nil {
		return
	}
	s.publish(ctx, alumni.SessionChange{Reason: alumni.SessionChangeCleared})
}

// load reads both slots; any failure or inconsistency is an absent session.
func (s *Store) load(ctx context.Context) *alumni.Session {
	if !s.slots.usable() {
		return nil
	}

	token, found, err := loadSlot(ctx, s.slots.Token)
	if err != nil {
		s.logger.WarnContext(ctx, "session store load failed", "slot", SlotToken, "error", err)
		return nil
	}
	if !found {
		return nil
	}

	raw, found, err := loadSlot(ctx, s.slots.Identity)
	if err != nil {
		s.logger.WarnContext(ctx, "session store load failed", "slot", SlotIdentity, "error", err)
		return nil
	}
	if !found {
		return nil
	}

	var record identityRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		s.logger.WarnContext(ctx, "session store identity is malformed", "error", err)
		return nil
	}
	identity := record.Identity
	if err := identity.Validate(); err != nil {
		s.logger.WarnContext(ctx, "session store identity is invalid", "error", err)
		return nil
	}

	credential := alumni.Credential(token)
	if credential.IsZero() {
		return nil
	}
	if record.TokenDigest != "" && record.TokenDigest != tokenDigest(credential) {
		s.logger.WarnContext(ctx, "session store identity belongs to another token")
		return nil
	}

	return &alumni.Session{
		Credential: credential,
		Identity:   identity,
		ExpiresAt:  credentialExpiry(credential),
	}
}

func (s *Store) restoreSlot(ctx context.Context, slot Slot, name string, previous []byte, had bool) {
	var err error
	if had {
		err = slot.StoreSession(ctx, previous)
	} else {
		err = slot.Clear(ctx)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "session store rollback failed", "slot", name, "error", err)
	}
}

// identityRecord is the user_data slot layout. Records written without a
// token digest still load.
type identityRecord struct {
	alumni.Identity
	TokenDigest string `json:"token_sha256,omitempty"`
}

func marshalIdentity(identity alumni.Identity, credential alumni.Credential) ([]byte, error) {
	return json.Marshal(identityRecord{Identity: identity, TokenDigest: tokenDigest(credential)})
}

func tokenDigest(credential alumni.Credential) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// swap installs next and returns the previous snapshot.
func (s *Store) swap(next *alumni.Session) *alumni.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.current
	s.current = next

	return previous
}

func (s *Store) publish(ctx context.Context, change alumni.SessionChange) {
	if s.publisher == nil {
		return
	}

	signal := &alumni.Signal{
		Kind:       alumni.SignalSessionChanged,
		OccurredAt: s.clock().UTC(),
		Session:    &change,
	}
	if err := s.publisher.Publish(ctx, signal); err != nil {
		s.logger.WarnContext(ctx, "publish session change failed", "reason", change.Reason, "error", err)
	}
}

func cloneSession(session alumni.Session) alumni.Session {
	session.Identity = session.Identity.Clone()
	return session
}

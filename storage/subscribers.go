package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bounty-digest/pkg/notifier"
)

// ErrDuplicateEmail is returned when adding a subscriber whose email is taken.
var ErrDuplicateEmail = errors.New("email already subscribed")

// Default document keys, compatible with the files the service has always written.
const (
	DefaultSubscribersKey = "subscribers.json"
	DefaultStateKey       = "digest-state.json"
)

// Store keeps subscribers and the digest watermark in a Backend.
// Subscribers are loaded once and cached; every mutation rewrites the whole
// subscriber document while holding the store lock.
type Store struct {
	backend        Backend
	logger         *slog.Logger
	subscribersKey string
	stateKey       string

	mu     sync.Mutex
	subs   []*notifier.Subscriber
	loaded bool
}

// New creates a store on top of backend. Empty keys fall back to the defaults.
func New(backend Backend, subscribersKey, stateKey string, logger *slog.Logger) *Store {
	if subscribersKey == "" {
		subscribersKey = DefaultSubscribersKey
	}
	if stateKey == "" {
		stateKey = DefaultStateKey
	}
	return &Store{
		backend:        backend,
		logger:         logger,
		subscribersKey: subscribersKey,
		stateKey:       stateKey,
	}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// ListSubscribers returns copies of all subscribers.
func (s *Store) ListSubscribers(ctx context.Context) ([]*notifier.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	return cloneAll(s.subs), nil
}

// Subscriber returns a copy of the subscriber with the given id.
func (s *Store) Subscriber(ctx context.Context, id string) (*notifier.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	i := s.indexLocked(func(sub *notifier.Subscriber) bool { return sub.ID == id })
	if i < 0 {
		return nil, ErrNotFound
	}
	return clone(s.subs[i]), nil
}

// AddSubscriber stores a new subscriber. Emails are unique, compared case-insensitively.
func (s *Store) AddSubscriber(ctx context.Context, sub *notifier.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	if s.indexLocked(func(x *notifier.Subscriber) bool { return strings.EqualFold(x.Email, sub.Email) }) >= 0 {
		return ErrDuplicateEmail
	}

	next := append(cloneAll(s.subs), clone(sub))
	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	s.subs = next
	s.logger.Info("Subscriber added", "subscriber_id", sub.ID, "cadence", sub.Cadence, "tag_count", len(sub.Tags))
	return nil
}

// UpdateSubscriber applies fn to a copy of the subscriber and persists the result.
// fn must not change ID, Email or LastDigestSent; those changes are discarded.
func (s *Store) UpdateSubscriber(ctx context.Context, id string, fn func(*notifier.Subscriber) error) (*notifier.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	i := s.indexLocked(func(sub *notifier.Subscriber) bool { return sub.ID == id })
	if i < 0 {
		return nil, ErrNotFound
	}

	next := cloneAll(s.subs)
	orig := s.subs[i]
	if err := fn(next[i]); err != nil {
		return nil, err
	}
	next[i].ID = orig.ID
	next[i].Email = orig.Email
	next[i].LastDigestSent = clone(orig).LastDigestSent

	if err := s.persistLocked(ctx, next); err != nil {
		return nil, err
	}
	s.subs = next
	s.logger.Info("Subscriber updated", "subscriber_id", id, "cadence", next[i].Cadence, "active", next[i].Active)
	return clone(next[i]), nil
}

// DeleteSubscriber removes the subscriber with the given id.
func (s *Store) DeleteSubscriber(ctx context.Context, id string) error {
	return s.deleteWhere(ctx, func(sub *notifier.Subscriber) bool { return sub.ID == id })
}

// DeleteByEmail removes the subscriber with the given email.
func (s *Store) DeleteByEmail(ctx context.Context, email string) error {
	return s.deleteWhere(ctx, func(sub *notifier.Subscriber) bool { return strings.EqualFold(sub.Email, email) })
}

func (s *Store) deleteWhere(ctx context.Context, match func(*notifier.Subscriber) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	i := s.indexLocked(match)
	if i < 0 {
		return ErrNotFound
	}

	removed := s.subs[i]
	next := make([]*notifier.Subscriber, 0, len(s.subs)-1)
	next = append(next, cloneAll(s.subs[:i])...)
	next = append(next, cloneAll(s.subs[i+1:])...)
	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	s.subs = next
	s.logger.Info("Subscriber deleted", "subscriber_id", removed.ID)
	return nil
}

// RecordDigests stamps LastDigestSent for each subscriber id in sent.
// Ids that no longer exist (unsubscribed mid-run) are ignored.
// The stamps stay in memory even if persisting fails.
func (s *Store) RecordDigests(ctx context.Context, sent map[string]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return err
	}

	var stamped int
	for _, sub := range s.subs {
		if at, ok := sent[sub.ID]; ok {
			at := at
			sub.LastDigestSent = &at
			stamped++
		}
	}
	if stamped < len(sent) {
		s.logger.Info("Some digest recipients no longer exist", "sent", len(sent), "stamped", stamped)
	}
	return s.persistLocked(ctx, s.subs)
}

// LoadWatermark returns the persisted watermark, or an empty one if none exists yet.
func (s *Store) LoadWatermark(ctx context.Context) (*notifier.Watermark, error) {
	data, err := s.backend.Read(ctx, s.stateKey)
	if IsNotFound(err) {
		s.logger.Info("No digest state found, starting fresh", "key", s.stateKey)
		return &notifier.Watermark{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read digest state: %w", err)
	}

	var wm notifier.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("unmarshal digest state: %w", err)
	}
	return &wm, nil
}

// SaveWatermark persists wm.
func (s *Store) SaveWatermark(ctx context.Context, wm *notifier.Watermark) error {
	out := *wm
	if out.KnownBountyIDs == nil {
		out.KnownBountyIDs = []int64{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal digest state: %w", err)
	}
	if err := s.backend.Write(ctx, s.stateKey, data); err != nil {
		return fmt.Errorf("write digest state: %w", err)
	}
	s.logger.Debug("Digest state saved", "known_ids", len(out.KnownBountyIDs))
	return nil
}

func (s *Store) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}

	data, err := s.backend.Read(ctx, s.subscribersKey)
	if IsNotFound(err) {
		s.subs = nil
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read subscribers: %w", err)
	}

	var subs []*notifier.Subscriber
	if err := json.Unmarshal(data, &subs); err != nil {
		// Refuse to continue rather than overwrite a damaged file with an empty list.
		return fmt.Errorf("unmarshal subscribers: %w", err)
	}
	s.subs = subs
	s.loaded = true
	s.logger.Info("Subscribers loaded", "count", len(subs))
	return nil
}

func (s *Store) persistLocked(ctx context.Context, subs []*notifier.Subscriber) error {
	if subs == nil {
		subs = []*notifier.Subscriber{}
	}
	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscribers: %w", err)
	}
	if err := s.backend.Write(ctx, s.subscribersKey, data); err != nil {
		return fmt.Errorf("write subscribers: %w", err)
	}
	return nil
}

func (s *Store) indexLocked(match func(*notifier.Subscriber) bool) int {
	for i, sub := range s.subs {
		if match(sub) {
			return i
		}
	}
	return -1
}

func clone(sub *notifier.Subscriber) *notifier.Subscriber {
	cp := *sub
	cp.Tags = append([]string(nil), sub.Tags...)
	if sub.LastDigestSent != nil {
		t := *sub.LastDigestSent
		cp.LastDigestSent = &t
	}
	return &cp
}

func cloneAll(subs []*notifier.Subscriber) []*notifier.Subscriber {
	out := make([]*notifier.Subscriber, len(subs))
	for i, sub := range subs {
		out[i] = clone(sub)
	}
	return out
}

// Package feedback implements the edge Feedback Handler (C9): it
// receives AFL policies (via stream subscription or local HTTP push),
// persists them atomically to a single JSON file, and serves threshold
// lookups to the protocol agents.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ocx/sentinel/internal/afl"
	"github.com/ocx/sentinel/internal/stream"
)

// Store holds the last-applied policy per agent tag and persists it to
// a single JSON file. Safe for concurrent readers; writes are
// serialized.
type Store struct {
	mu             sync.RWMutex
	path           string
	defaultThresh  float64
	policies       map[string]afl.Policy
	logger         *slog.Logger
}

// NewStore loads any existing persisted state from path (if present)
// and returns a Store ready to receive updates. defaultThreshold is
// returned by GetThreshold for agents with no applied policy yet.
func NewStore(path string, defaultThreshold float64) (*Store, error) {
	s := &Store{
		path:          path,
		defaultThresh: defaultThreshold,
		policies:      make(map[string]afl.Policy),
		logger:        slog.Default().With("component", "feedback"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("feedback: read state: %w", err)
	}
	var policies map[string]afl.Policy
	if err := json.Unmarshal(data, &policies); err != nil {
		return fmt.Errorf("feedback: corrupted state file: %w", err)
	}
	s.policies = policies
	return nil
}

// Apply applies an incoming policy if it is newer than (or there is no)
// existing policy for the same agent tag, then persists the full policy
// set atomically before returning. Idempotent: re-applying the same or
// an older ts is a no-op.
func (s *Store) Apply(policy afl.Policy) (applied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.policies[policy.Agent]
	if ok && !policy.TS.After(existing.TS) {
		return false, nil
	}
	snapshot := make(map[string]afl.Policy, len(s.policies)+1)
	for k, v := range s.policies {
		snapshot[k] = v
	}
	snapshot[policy.Agent] = policy

	if err := s.persist(snapshot); err != nil {
		return false, err
	}
	s.policies = snapshot
	s.logger.Info("policy applied", "agent", policy.Agent, "threshold", policy.Thresholds.ScoreAlert)
	return true, nil
}

// persist writes the full policy map to disk via temp-file-then-rename.
func (s *Store) persist(policies map[string]afl.Policy) error {
	data, err := json.Marshal(policies)
	if err != nil {
		return fmt.Errorf("feedback: marshal state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("feedback: create state dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("feedback: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("feedback: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("feedback: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("feedback: rename state file: %w", err)
	}
	ok = true
	return nil
}

// GetThreshold returns the last-applied score_alert threshold for agent,
// falling back to the configured default if no policy has ever been
// applied for it.
func (s *Store) GetThreshold(agent string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.policies[agent]; ok {
		return p.Thresholds.ScoreAlert
	}
	return s.defaultThresh
}

// GetSamplingRate returns the last-applied sampling rate for agent,
// defaulting to 1.0 (sample everything) if no policy has been applied.
func (s *Store) GetSamplingRate(agent string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.policies[agent]; ok {
		return p.Sampling.Rate
	}
	return 1.0
}

// Snapshot returns a copy of all currently applied policies, keyed by
// agent tag.
func (s *Store) Snapshot() map[string]afl.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]afl.Policy, len(s.policies))
	for k, v := range s.policies {
		out[k] = v
	}
	return out
}

// Subscriber pulls policies off afl.feedback.{tenant} and applies them
// to a Store as they arrive.
type Subscriber struct {
	store  *Store
	sub    stream.Subscriber
	logger *slog.Logger
}

// NewSubscriber wires a stream subscriber to a Store.
func NewSubscriber(store *Store, sub stream.Subscriber) *Subscriber {
	return &Subscriber{store: store, sub: sub, logger: slog.Default().With("component", "feedback-subscriber")}
}

// Run subscribes to the tenant's feedback topic and applies every
// policy received until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, tenant string) error {
	topic := "afl.feedback." + tenant
	return s.sub.Subscribe(ctx, topic, func(_ string, payload []byte) {
		var policy afl.Policy
		if err := json.Unmarshal(payload, &policy); err != nil {
			s.logger.Error("discarding malformed policy", "err", err)
			return
		}
		if policy.TS.IsZero() {
			policy.TS = time.Now().UTC()
		}
		if _, err := s.store.Apply(policy); err != nil {
			s.logger.Error("policy apply failed", "agent", policy.Agent, "err", err)
		}
	})
}

// HandlePush is the local-HTTP-push ingestion path: it decodes a single
// policy from body and applies it through the same Store.Apply path the
// stream subscriber uses, so both transports share identical
// newest-ts-wins and durability semantics.
func (s *Store) HandlePush(payload []byte) (applied bool, err error) {
	var policy afl.Policy
	if err := json.Unmarshal(payload, &policy); err != nil {
		return false, fmt.Errorf("feedback: decode pushed policy: %w", err)
	}
	if policy.TS.IsZero() {
		policy.TS = time.Now().UTC()
	}
	return s.Apply(policy)
}

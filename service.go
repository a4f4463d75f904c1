package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Service bundles the state every handler works against: the catalog, the
// round sessions and the score ledger. Handlers get it by reference; there
// is no package-level state.
type Service struct {
	cfg       *Config
	locations *LocationStore
	rounds    *RoundSelector
	roundDB   roundStore
	ledger    *Ledger
	verifier  Verifier
	feed      *LeaderboardHub
	metrics   *Metrics
	registry  *prometheus.Registry
}

func newService(ctx context.Context, cfg *Config) (*Service, error) {
	registry := prometheus.NewRegistry()
	metrics := newMetrics(registry)

	var (
		roundDB roundStore
		err     error
	)
	if cfg.redisURL != "" {
		roundDB, err = newRedisRounds(ctx, cfg.redisURL, cfg.sessionTimeout)
		if err != nil {
			return nil, fmt.Errorf("connecting round session store: %w", err)
		}
	} else {
		roundDB = newMemoryRounds(cfg.sessionTimeout)
	}

	ledger, err := openLedger(cfg.database, cfg.ledgerWriters)
	if err != nil {
		_ = roundDB.close()
		return nil, fmt.Errorf("opening score ledger: %w", err)
	}

	if cfg.clientID == "" {
		warnf("CONFIG: --client-id is not set; score submission and lookup will fail until it is")
	}

	svc := &Service{
		cfg:       cfg,
		locations: newLocationStore(cfg, cfg.locations, metrics),
		rounds:    newRoundSelector(roundDB),
		roundDB:   roundDB,
		ledger:    ledger,
		verifier:  newTokenInfoVerifier(cfg.verifierURL, cfg.clientID, cfg.verifierTimeout),
		feed:      newLeaderboardHub(cfg, ledger),
		metrics:   metrics,
		registry:  registry,
	}

	svc.locations.Reload()

	go svc.feed.run()

	return svc, nil
}

// nextLocation picks the next round for a session from one consistent
// catalog snapshot, so a concurrent reload cannot invalidate the index.
func (s *Service) nextLocation(ctx context.Context, sessionKey string) (Location, error) {
	catalog := s.locations.snapshot()

	idx, err := s.rounds.Next(ctx, sessionKey, len(catalog))
	if err != nil {
		return Location{}, err
	}

	s.metrics.RoundsServed.Inc()

	return catalog[idx], nil
}

// verify runs the credential through the verifier and records why it
// failed, if it did.
func (s *Service) verify(ctx context.Context, credential string) (Identity, error) {
	identity, err := s.verifier.Verify(ctx, credential)
	switch {
	case err == nil:
		return identity, nil
	case errors.Is(err, ErrVerifierUnconfigured):
		s.metrics.VerificationFailures.WithLabelValues("unconfigured").Inc()
		warnf("CONFIG: Credential verification unavailable: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.VerificationFailures.WithLabelValues("timeout").Inc()
		logf(s.cfg, "SCORE: Credential verification timed out: %v", err)
	default:
		s.metrics.VerificationFailures.WithLabelValues("rejected").Inc()
		logf(s.cfg, "SCORE: Credential rejected: %v", err)
	}

	return Identity{}, err
}

func (s *Service) submitScore(ctx context.Context, identity Identity, score int64) (ScoreRecord, error) {
	start := time.Now()
	record, err := s.ledger.Save(ctx, hashIdentity(identity.Email), score)
	s.metrics.LedgerWriteMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	if err != nil {
		s.metrics.LedgerErrors.WithLabelValues("save").Inc()
		return ScoreRecord{}, err
	}

	s.metrics.ScoresSaved.Inc()
	s.feed.notify()

	return record, nil
}

func (s *Service) history(ctx context.Context, identity Identity) ([]ScoreRecord, error) {
	records, err := s.ledger.History(ctx, hashIdentity(identity.Email))
	if err != nil {
		s.metrics.LedgerErrors.WithLabelValues("history").Inc()
	}
	return records, err
}

func (s *Service) top(ctx context.Context, limit int) ([]ScoreRecord, error) {
	records, err := s.ledger.Top(ctx, limit)
	if err != nil {
		s.metrics.LedgerErrors.WithLabelValues("top").Inc()
	}
	return records, err
}

func (s *Service) Close() error {
	s.feed.stop()
	return errors.Join(s.roundDB.close(), s.ledger.Close())
}

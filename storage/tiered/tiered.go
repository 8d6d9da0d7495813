// Package tiered provides a Hot/Cold tiered storage adapter that orchestrates
// fast ephemeral storage (Hot) with durable persistent storage (Cold) using
// different data strategies optimized for each operation type.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/goaffiliate/pkg/goaffiliate"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) serving dashboard reads
	Hot goaffiliate.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold goaffiliate.Storage

	// AsyncEventSync enables non-blocking synchronization of AppendEvent to
	// Cold. If false, writes are synchronous (slower but safer).
	AsyncEventSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async or best-effort operation fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture.
// It orchestrates two storage backends with different strategies per operation type:
// - Hot-Primary reads with Cold fallback: code and event listings
// - Read-Through: single code lookups (Hot → Cold)
// - Write-Through: codes and signups (Cold → Hot)
// - Hot-Primary/Async-Audit: event appends (Hot + async Cold sync)
type Storage struct {
	hot  goaffiliate.Storage
	cold goaffiliate.Storage
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncEventSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncEventSync {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Strategy: Sequential processing to keep per-user event order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						if err := job(); err != nil {
							s.reportError(fmt.Errorf("tiered sync failed during shutdown: %w", err))
						}
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// --- Strategy: Read-Through (Hot → Cold) ---

// GetReferralCode implements goaffiliate.Storage with read-through strategy.
// Hot is not filled from Cold here since its referral count is derived from
// its own signups.
func (s *Storage) GetReferralCode(ctx context.Context, codeID string) (*goaffiliate.ReferralCode, error) {
	// 1. Try Hot
	code, err := s.hot.GetReferralCode(ctx, codeID)
	if err == nil {
		return code, nil
	}

	// 2. Try Cold (Source of Truth)
	return s.cold.GetReferralCode(ctx, codeID)
}

// --- Strategy: Hot-Primary reads with Cold fallback ---

// ListReferralCodes implements goaffiliate.Storage. Cold serves the read when Hot fails.
func (s *Storage) ListReferralCodes(ctx context.Context, affiliateID string) ([]goaffiliate.ReferralCode, error) {
	codes, err := s.hot.ListReferralCodes(ctx, affiliateID)
	if err == nil {
		return codes, nil
	}
	s.reportError(fmt.Errorf("tiered storage: hot list codes failed, using cold: %w", err))
	return s.cold.ListReferralCodes(ctx, affiliateID)
}

// ListUserEvents implements goaffiliate.Storage. Cold serves the read when Hot fails.
func (s *Storage) ListUserEvents(ctx context.Context, affiliateID string) ([]goaffiliate.UserEvents, error) {
	users, err := s.hot.ListUserEvents(ctx, affiliateID)
	if err == nil {
		return users, nil
	}
	s.reportError(fmt.Errorf("tiered storage: hot list events failed, using cold: %w", err))
	return s.cold.ListUserEvents(ctx, affiliateID)
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Attribution data must be durable first.

// SaveReferralCode implements goaffiliate.Storage with write-through strategy.
func (s *Storage) SaveReferralCode(ctx context.Context, code *goaffiliate.ReferralCode) error {
	// 1. Write Cold (Durability)
	if err := s.cold.SaveReferralCode(ctx, code); err != nil {
		return err
	}
	// 2. Write Hot (Availability)
	// If Hot fails we report it but don't fail the operation since Cold succeeded
	if err := s.hot.SaveReferralCode(ctx, code); err != nil {
		s.reportError(fmt.Errorf("tiered storage: hot save code failed: %w", err))
	}
	return nil
}

// RecordSignup implements goaffiliate.Storage with write-through strategy.
// A code missing from Hot is copied over from Cold before the Hot write.
func (s *Storage) RecordSignup(ctx context.Context, codeID, userID string, at time.Time) error {
	// 1. Write Cold (Durability)
	if err := s.cold.RecordSignup(ctx, codeID, userID, at); err != nil {
		return err
	}

	// 2. Write Hot (Availability)
	err := s.hot.RecordSignup(ctx, codeID, userID, at)
	if errors.Is(err, goaffiliate.ErrCodeNotFound) {
		err = s.repairCode(ctx, codeID)
		if err == nil {
			err = s.hot.RecordSignup(ctx, codeID, userID, at)
		}
	}
	if err != nil {
		s.reportError(fmt.Errorf("tiered storage: hot signup failed: %w", err))
	}
	return nil
}

// repairCode copies a code from Cold into Hot
func (s *Storage) repairCode(ctx context.Context, codeID string) error {
	code, err := s.cold.GetReferralCode(ctx, codeID)
	if err != nil {
		return err
	}
	return s.hot.SaveReferralCode(ctx, code)
}

// --- Strategy: Hot-Primary / Async Audit ---
// High frequency operations optimized for latency.

// AppendEvent implements goaffiliate.Storage with hot-primary/async-audit strategy.
func (s *Storage) AppendEvent(ctx context.Context, userID string, ev goaffiliate.LifecycleEvent) error {
	// 1. Append to Hot Store (Fast)
	if err := s.hot.AppendEvent(ctx, userID, ev); err != nil {
		return err
	}

	// 2. Sync to Cold Store (Audit Trail)
	if s.conf.AsyncEventSync {
		// ev is a value; the closure owns its copy
		select {
		case s.syncQueue <- func() error {
			// Context background ensures completion even if request cancels
			return s.cold.AppendEvent(context.Background(), userID, ev)
		}:
		default:
			s.reportError(errors.New("tiered storage: sync queue full, dropping cold write"))
		}
	} else if err := s.cold.AppendEvent(ctx, userID, ev); err != nil {
		// Hot already holds the event; report the drift instead of failing
		s.reportError(fmt.Errorf("tiered storage: sync cold write failed: %w", err))
	}

	return nil
}

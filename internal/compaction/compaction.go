package compaction

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/chatsync/internal/metrics"
)

type Config struct {
	Interval           time.Duration
	MessageThreshold   int
	KeepRecentMessages int
}

func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Minute,
		MessageThreshold:   1000,
		KeepRecentMessages: 500,
	}
}

// Store is the part of a history backend retention needs.
type Store interface {
	Count(ctx context.Context, room string) (int, error)
	Trim(ctx context.Context, room string, keep int) (int64, error)
}

// Service periodically trims every catalog room to its most recent messages.
type Service struct {
	store  Store
	rooms  []string
	config Config
	log    zerolog.Logger
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func New(store Store, rooms []string, config Config, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		rooms:  rooms,
		config: config,
		log:    logger.With().Str("component", "compaction").Logger(),
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info().
		Dur("interval", s.config.Interval).
		Int("threshold", s.config.MessageThreshold).
		Int("keep", s.config.KeepRecentMessages).
		Msg("compaction service started")
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info().Msg("compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.compactAllRooms(ctx)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compactAllRooms(ctx)
		}
	}
}

func (s *Service) compactAllRooms(ctx context.Context) int {
	compactedCount := 0
	for _, room := range s.rooms {
		if !s.shouldCompact(ctx, room) {
			continue
		}
		if _, err := s.CompactNow(ctx, room); err != nil {
			s.log.Error().Err(err).Str("room", room).Msg("compaction failed")
			continue
		}
		compactedCount++
	}

	if compactedCount > 0 {
		s.log.Info().Int("rooms", compactedCount).Msg("compacted rooms")
	}
	return compactedCount
}

func (s *Service) shouldCompact(ctx context.Context, room string) bool {
	count, err := s.store.Count(ctx, room)
	if err != nil {
		s.log.Warn().Err(err).Str("room", room).Msg("count failed")
		return false
	}
	return count >= s.config.MessageThreshold
}

// CompactNow trims room regardless of the threshold.
func (s *Service) CompactNow(ctx context.Context, room string) (int64, error) {
	removed, err := s.store.Trim(ctx, room, s.config.KeepRecentMessages)
	if err != nil {
		return 0, err
	}
	metrics.MessagesTrimmed.Add(float64(removed))
	s.log.Debug().Str("room", room).Int64("removed", removed).Int("kept", s.config.KeepRecentMessages).Msg("compacted room")
	return removed, nil
}

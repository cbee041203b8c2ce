package statemanager

import (
	"sync"

	"binance-trade-cycle-go/internal/clock"
	"binance-trade-cycle-go/internal/metrics"
	"binance-trade-cycle-go/internal/models"
	"binance-trade-cycle-go/internal/persistence"

	"go.uber.org/zap"
)

// StateManager is responsible for mirroring trade sessions to the TradeStore.
// Writes are synchronous: a controller does not take its next action until the
// document reflecting its last mutation has been handed to the store. A failed
// write marks the market dirty; the next Save rewrites the full document, so the
// retry happens naturally on the next mutation.
type StateManager struct {
	repo    persistence.TradeStore
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	dirty map[string]bool
}

// NewStateManager creates a new StateManager.
func NewStateManager(repo persistence.TradeStore, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *StateManager {
	return &StateManager{
		repo:    repo,
		clock:   clk,
		metrics: m,
		logger:  logger,
		dirty:   make(map[string]bool),
	}
}

// Save stamps the session and writes a deep copy of it.
// reason is only used for logging.
func (sm *StateManager) Save(session *models.TradeSession, reason string) error {
	session.UpdatedAt = sm.clock.Now()
	snapshot := session.Clone()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.repo.Upsert(snapshot); err != nil {
		sm.dirty[session.Market] = true
		sm.metrics.PersistError()
		sm.logger.Error("CRITICAL: failed to persist trade session, will retry on next mutation",
			zap.String("market", session.Market),
			zap.String("reason", reason),
			zap.Error(err))
		return models.NewError(models.KindPersistence, "save", session.Market, err)
	}

	if sm.dirty[session.Market] {
		sm.logger.Info("Trade session persisted after earlier failure", zap.String("market", session.Market))
		delete(sm.dirty, session.Market)
	}
	sm.logger.Debug("Trade session persisted",
		zap.String("market", session.Market),
		zap.String("reason", reason),
		zap.String("mode", string(session.Sell.Mode)))
	return nil
}

// Dirty reports whether the last write for market failed.
func (sm *StateManager) Dirty(market string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.dirty[market]
}

// Load returns the stored session for market, or (nil, nil) if none exists.
func (sm *StateManager) Load(market string) (*models.TradeSession, error) {
	session, err := sm.repo.Get(market)
	if err != nil {
		return nil, models.NewError(models.KindPersistence, "load", market, err)
	}
	return session, nil
}

// Delete removes the stored session for market.
func (sm *StateManager) Delete(market string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.repo.Delete(market); err != nil {
		sm.metrics.PersistError()
		return models.NewError(models.KindPersistence, "delete", market, err)
	}
	delete(sm.dirty, market)
	sm.logger.Info("Trade session deleted", zap.String("market", market))
	return nil
}

package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"binance-trade-cycle-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const sessionKeyPrefix = "session/"

// badgerRepository is the BadgerDB implementation of the TradeStore.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (TradeStore, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository returns a BadgerDB repository that never touches disk.
func NewInMemoryRepository() (TradeStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (TradeStore, error) {
	// Badger's own logging would interleave with ours; errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func sessionKey(market string) []byte {
	return []byte(sessionKeyPrefix + market)
}

// Upsert marshals the session into JSON and saves it under its market key.
func (r *badgerRepository) Upsert(session *models.TradeSession) error {
	if session == nil || session.Market == "" {
		return errors.New("cannot store a session without a market")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", session.Market, err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(session.Market), data)
	})
}

// Get loads the session document for market.
func (r *badgerRepository) Get(market string) (*models.TradeSession, error) {
	var session models.TradeSession

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(market))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("session value is empty in database")
			}
			return json.Unmarshal(val, &session)
		})
	})

	// "key not found" is the expected "no session" case.
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Delete removes the session document for market.
func (r *badgerRepository) Delete(market string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(market))
	})
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

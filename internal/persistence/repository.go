package persistence

import "binance-trade-cycle-go/internal/models"

// TradeStore defines the interface for trade session persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application. Documents are keyed by market.
type TradeStore interface {
	// Upsert atomically replaces the whole document stored for session.Market.
	Upsert(session *models.TradeSession) error

	// Get loads the document for market.
	// If no document is found, it returns (nil, nil).
	Get(market string) (*models.TradeSession, error)

	// Delete removes the document for market. Deleting a missing key is not an error.
	Delete(market string) error

	// Close gracefully closes the connection to the database.
	Close() error
}

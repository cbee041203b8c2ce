package bot

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// clientOrderPrefix marks orders placed by this bot in the exchange's order history.
const clientOrderPrefix = "tc"

// newSessionID returns a random session identifier.
func newSessionID() string {
	return uuid.NewString()
}

// newClientOrderID returns a compact unique id accepted by Binance (at most 36 characters).
// tag identifies the purpose: "b" entry buy, "s" resting sell, "x" stop sweep.
func newClientOrderID(tag string) string {
	u := uuid.New()
	return clientOrderPrefix + tag + "-" + base62.EncodeToString(u[:])
}

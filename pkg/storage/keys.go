package storage

import (
	"fmt"
	"time"
)

// Key schema:
//
//	ord:<orderID>                         → Order snapshot
//	ordt:<createdAt>:<orderID>            → orderID (creation-time index)
//	evt:<orderID>:<timestamp>:<eventID>   → Event
//	stl:<orderID>:<txHash>                → SettlementRecord
//
// Timestamps are unix nanoseconds, zero-padded to 20 digits so keys sort
// chronologically.
const (
	prefixOrder      = "ord:"
	prefixOrderTime  = "ordt:"
	prefixEvent      = "evt:"
	prefixSettlement = "stl:"
)

func tsKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

func orderTimeKey(createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrderTime, tsKey(createdAt), id))
}

func eventKey(orderID string, ts time.Time, eventID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixEvent, orderID, tsKey(ts), eventID))
}

// eventPrefix ends in ':' so order "a" does not match order "ab".
func eventPrefix(orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixEvent, orderID))
}

func settlementKey(orderID, txHash string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixSettlement, orderID, txHash))
}

func settlementPrefix(orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixSettlement, orderID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// Package wire defines the USP request/response/notify message shapes the
// Broker core consumes and produces, and the id formats that tie them back
// to the originator across a round-trip.
package wire

import (
	"fmt"
	"sync/atomic"
	"time"
)

// brokerMarker is the literal substring embedded in every Broker-generated
// message id and subscription id; IsBrokerMessageID and
// IsBrokerSubscriptionID test for it. internal/subsync does not read a
// Service's local subscription table and does not consult the marker.
const brokerMarker = "BROKER"

var msgCounter uint64

// NewMessageID returns a fresh Broker-unique message id of the form
// BROKER-<monotonic>-<unix-seconds>, per spec §6.
func NewMessageID() string {
	n := atomic.AddUint64(&msgCounter, 1)
	return fmt.Sprintf("%s-%d-%d", brokerMarker, n, time.Now().Unix())
}

// IsBrokerMessageID reports whether id was minted by NewMessageID (or at
// least carries the Broker discriminator substring).
func IsBrokerMessageID(id string) bool {
	return containsMarker(id)
}

var subsCounter uint64

// NewSubscriptionID returns a fresh Broker-unique subscription id of the
// form <hex-counter>-<hex-unix-seconds>-BROKER, per spec §6.
func NewSubscriptionID() string {
	n := atomic.AddUint64(&subsCounter, 1)
	return fmt.Sprintf("%x-%x-%s", n, time.Now().Unix(), brokerMarker)
}

// IsBrokerSubscriptionID reports whether id carries the Broker discriminator.
func IsBrokerSubscriptionID(id string) bool {
	return containsMarker(id)
}

func containsMarker(s string) bool {
	for i := 0; i+len(brokerMarker) <= len(s); i++ {
		if s[i:i+len(brokerMarker)] == brokerMarker {
			return true
		}
	}
	return false
}

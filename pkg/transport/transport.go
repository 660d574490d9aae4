// Package transport defines the link to the device. Implementations deliver
// commands one at a time and push every notification frame the device sends
// to the registered listener.
package transport

import "context"

// Transport is a packet link to one device.
type Transport interface {
	// Write sends one command frame and returns once the link acknowledged it.
	Write(ctx context.Context, frame []byte) error
	// OnNotify sets the listener for asynchronous frames. Frames of one
	// source arrive in order.
	OnNotify(listener func(frame []byte))
	// MaxPacketLen is the largest notification payload one packet carries.
	MaxPacketLen() int
	Close() error
}

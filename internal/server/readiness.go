package server

import (
	"context"
	"errors"
	"net"

	"github.com/sentrix-io/sentrix/internal/store"
)

// StoreChecker reports the durable store ready when it answers a ping.
type StoreChecker struct {
	store store.Store
}

// NewStoreChecker creates a StoreChecker.
func NewStoreChecker(s store.Store) *StoreChecker {
	return &StoreChecker{store: s}
}

// Name returns "store".
func (c *StoreChecker) Name() string {
	return "store"
}

// CheckReady pings the store.
func (c *StoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("store not configured")
	}
	return c.store.Ping(ctx)
}

// addrSource is satisfied by relay.Listener.
type addrSource interface {
	Addr() net.Addr
}

// RelayChecker reports ready once the update relay is accepting producers.
type RelayChecker struct {
	listener addrSource
}

// NewRelayChecker creates a RelayChecker.
func NewRelayChecker(l addrSource) *RelayChecker {
	return &RelayChecker{listener: l}
}

// Name returns "relay".
func (c *RelayChecker) Name() string {
	return "relay"
}

// CheckReady fails until the listener is bound.
func (c *RelayChecker) CheckReady(context.Context) error {
	if c.listener == nil || c.listener.Addr() == nil {
		return errors.New("relay listener not bound")
	}
	return nil
}

// FuncChecker adapts a function to ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a FuncChecker.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

// Name returns the configured name.
func (c *FuncChecker) Name() string {
	return c.name
}

// CheckReady calls the wrapped function; a nil function is always ready.
func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}

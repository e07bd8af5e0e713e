package store

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"formedge/pkg/logger"
)

// Document is a sanitized record. Values are plain JSON types only; the proxy
// result crosses a serialization boundary that cannot carry driver types, so
// the record identifier always appears as the string field "_id".
type Document map[string]interface{}

// FindOptions mirrors the remote findOne surface.
type FindOptions struct {
	Projection []string // top-level fields to keep; empty means all
	SortField  string
	SortDesc   bool
}

// DB is a connected database handle.
type DB interface {
	FindOne(ctx context.Context, collection string, filter map[string]interface{}, opts FindOptions) (Document, error)
	Ping(ctx context.Context) error
	Close()
}

// Connector establishes a database handle. Connection is the expensive
// operation the proxy exists to coalesce.
type Connector interface {
	Connect(ctx context.Context) (DB, error)
}

// attempt is one in-flight connect. done closes when it settles; waiters then
// read db/err.
type attempt struct {
	done chan struct{}
	db   DB
	err  error
}

// Proxy serializes concurrent first-connection attempts into a single shared
// connection. At most one connect is in flight at a time; once connected the
// handle persists for the proxy's lifetime. A failed attempt clears all state
// so the next call retries from scratch instead of replaying a cached failure.
type Proxy struct {
	connector Connector
	log       *logger.Logger

	mu       sync.Mutex
	db       DB
	inflight *attempt
}

// NewProxy creates a connection proxy. The connection is established lazily
// on the first data request.
func NewProxy(connector Connector, log *logger.Logger) *Proxy {
	return &Proxy{connector: connector, log: log}
}

// FindOne returns the first document matching filter in collection, or nil
// when nothing matches. Driver errors are logged and propagated.
func (p *Proxy) FindOne(ctx context.Context, collection string, filter map[string]interface{}, opts FindOptions) (Document, error) {
	db, err := p.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	doc, err := db.FindOne(ctx, collection, filter, opts)
	if err != nil {
		p.log.WithError(err).WithField("collection", collection).Error("findOne failed")
		return nil, err
	}
	return doc, nil
}

// Health pings the connection, establishing it if needed.
func (p *Proxy) Health(ctx context.Context) error {
	db, err := p.ensureConnected(ctx)
	if err != nil {
		return err
	}
	return db.Ping(ctx)
}

// Close releases the connection if one was established.
func (p *Proxy) Close() {
	p.mu.Lock()
	db := p.db
	p.db = nil
	p.mu.Unlock()
	if db != nil {
		db.Close()
	}
}

// ensureConnected is idempotent and safe under concurrent invocation. Callers
// arriving while a connect is in flight await that same attempt and share its
// outcome. The in-flight reference is always cleared when the attempt
// settles, success or failure; the connected handle alone gates later calls.
func (p *Proxy) ensureConnected(ctx context.Context) (DB, error) {
	p.mu.Lock()
	if p.db != nil {
		db := p.db
		p.mu.Unlock()
		return db, nil
	}
	if a := p.inflight; a != nil {
		p.mu.Unlock()
		select {
		case <-a.done:
			return a.db, a.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a := &attempt{done: make(chan struct{})}
	p.inflight = a
	p.mu.Unlock()

	db, err := p.connector.Connect(ctx)

	p.mu.Lock()
	if err != nil {
		p.log.WithError(err).Error("database connect failed")
	} else {
		p.db = db
	}
	p.inflight = nil
	p.mu.Unlock()

	a.db = db
	a.err = err
	close(a.done)
	return db, err
}

var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// validCollection rejects collection names that cannot be used as
// identifiers. Collections are a fixed application-owned set (forms,
// accounts, spaces, submissions), not user input, but the proxy is a remote
// surface and checks anyway.
func validCollection(name string) error {
	if !collectionName.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

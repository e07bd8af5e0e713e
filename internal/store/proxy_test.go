package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formedge/pkg/logger"
)

type fakeDB struct {
	docs map[string]Document
}

func (f *fakeDB) FindOne(ctx context.Context, collection string, filter map[string]interface{}, opts FindOptions) (Document, error) {
	doc, ok := f.docs[collection]
	if !ok {
		return nil, nil
	}
	return doc, nil
}

func (f *fakeDB) Ping(ctx context.Context) error { return nil }
func (f *fakeDB) Close()                         {}

type fakeConnector struct {
	mu       sync.Mutex
	calls    int32
	failures int // fail this many attempts before succeeding
	delay    time.Duration
	db       *fakeDB
}

func (f *fakeConnector) Connect(ctx context.Context) (DB, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connect refused")
	}
	return f.db, nil
}

func TestFindOneConnectsOnceUnderConcurrency(t *testing.T) {
	connector := &fakeConnector{
		delay: 20 * time.Millisecond,
		db:    &fakeDB{docs: map[string]Document{"forms": {"_id": "f1", "title": "Survey"}}},
	}
	proxy := NewProxy(connector, logger.NewNop())

	const n = 20
	var wg sync.WaitGroup
	results := make([]Document, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = proxy.FindOne(context.Background(), "forms", map[string]interface{}{}, FindOptions{})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&connector.calls), "concurrent first calls must share one connect")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "f1", results[i]["_id"])
	}
}

func TestFindOneRetriesAfterFailedConnect(t *testing.T) {
	connector := &fakeConnector{
		failures: 1,
		db:       &fakeDB{docs: map[string]Document{"forms": {"_id": "f1"}}},
	}
	proxy := NewProxy(connector, logger.NewNop())

	_, err := proxy.FindOne(context.Background(), "forms", map[string]interface{}{}, FindOptions{})
	require.Error(t, err, "first call surfaces the connect failure")

	doc, err := proxy.FindOne(context.Background(), "forms", map[string]interface{}{}, FindOptions{})
	require.NoError(t, err, "a failed attempt must not be replayed")
	assert.Equal(t, "f1", doc["_id"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&connector.calls))
}

func TestConcurrentCallersShareInFlightFailure(t *testing.T) {
	connector := &fakeConnector{
		failures: 1,
		delay:    100 * time.Millisecond,
		db:       &fakeDB{},
	}
	proxy := NewProxy(connector, logger.NewNop())

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = proxy.FindOne(context.Background(), "forms", map[string]interface{}{}, FindOptions{})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&connector.calls), "waiters must not start their own attempts")
	for i := 0; i < n; i++ {
		assert.Error(t, errs[i])
	}
}

func TestFindOneMissingDocument(t *testing.T) {
	proxy := NewProxy(&fakeConnector{db: &fakeDB{}}, logger.NewNop())

	doc, err := proxy.FindOne(context.Background(), "forms", map[string]interface{}{"formId": "nope"}, FindOptions{})
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestHealthConnectsLazily(t *testing.T) {
	connector := &fakeConnector{db: &fakeDB{}}
	proxy := NewProxy(connector, logger.NewNop())

	require.NoError(t, proxy.Health(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&connector.calls))
}

func TestValidCollection(t *testing.T) {
	assert.NoError(t, validCollection("forms"))
	assert.NoError(t, validCollection("form_submissions"))
	assert.Error(t, validCollection("Forms"))
	assert.Error(t, validCollection("forms; DROP TABLE users"))
	assert.Error(t, validCollection(""))
	assert.Error(t, validCollection("1forms"))
}

func TestProject(t *testing.T) {
	doc := Document{"a": 1, "b": 2, "c": 3}

	assert.Equal(t, doc, project(doc, nil))
	assert.Equal(t, Document{"a": 1, "c": 3}, project(doc, []string{"a", "c", "missing"}))
}

func TestSanitizeField(t *testing.T) {
	assert.Equal(t, "createdAt", sanitizeField("createdAt"))
	assert.Equal(t, "x", sanitizeField(`x'`))
	assert.Equal(t, "ab", sanitizeField(`a\b`))
}

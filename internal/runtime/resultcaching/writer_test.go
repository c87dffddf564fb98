package resultcaching

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/l0p7/minireader/internal/logging"
	"github.com/l0p7/minireader/internal/runtime/cache"
	"github.com/stretchr/testify/require"
)

type stubCache struct {
	mu       sync.Mutex
	storeErr error
	block    chan struct{}
	entries  map[string]cache.Entry
	ctxErr   error
}

func (s *stubCache) Lookup(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, nil
}

func (s *stubCache) Store(ctx context.Context, key string, entry cache.Entry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = ctx.Err()
	if s.storeErr != nil {
		return s.storeErr
	}
	if s.entries == nil {
		s.entries = make(map[string]cache.Entry)
	}
	s.entries[key] = entry
	return nil
}

func (s *stubCache) Size(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

func (s *stubCache) Close(context.Context) error { return nil }

func testEntry() cache.Entry {
	now := time.Now().UTC()
	return cache.Entry{Status: http.StatusOK, Body: []byte(`{}`), StoredAt: now, ExpiresAt: now.Add(time.Minute)}
}

func TestWriterStoresAfterRequestContextEnds(t *testing.T) {
	stub := &stubCache{block: make(chan struct{})}
	writer := New(Config{Cache: stub})

	reqCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, writer.Schedule(reqCtx, "key", testEntry(), "corr-1"))
	cancel()
	require.Equal(t, int64(1), writer.Pending())

	close(stub.block)
	require.NoError(t, writer.Close(context.Background()))
	require.Zero(t, writer.Pending())

	size, _ := stub.Size(context.Background())
	require.Equal(t, int64(1), size)
	require.NoError(t, stub.ctxErr, "store must not observe the request cancellation")
}

func TestWriterCloseRejectsNewWrites(t *testing.T) {
	writer := New(Config{Cache: &stubCache{}})
	require.NoError(t, writer.Close(context.Background()))
	require.ErrorIs(t, writer.Schedule(context.Background(), "key", testEntry(), ""), ErrClosed)
}

func TestWriterCloseHonorsDeadline(t *testing.T) {
	stub := &stubCache{block: make(chan struct{})}
	writer := New(Config{Cache: stub})
	require.NoError(t, writer.Schedule(context.Background(), "key", testEntry(), ""))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, writer.Close(ctx), context.DeadlineExceeded)

	close(stub.block)
	require.NoError(t, writer.Close(context.Background()))
}

func TestWriterSwallowsStoreErrors(t *testing.T) {
	stub := &stubCache{storeErr: errors.New("redis down")}
	writer := New(Config{Cache: stub, Timeout: time.Second, Logger: logging.Discard()})
	require.NoError(t, writer.Schedule(context.Background(), "key", testEntry(), "corr-2"))
	require.NoError(t, writer.Close(context.Background()))

	size, _ := stub.Size(context.Background())
	require.Zero(t, size)
}

func TestWriterRequiresCache(t *testing.T) {
	writer := New(Config{})
	require.Error(t, writer.Schedule(context.Background(), "key", testEntry(), ""))
}

func TestWriterWaitKeepsAcceptingWrites(t *testing.T) {
	stub := &stubCache{}
	writer := New(Config{Cache: stub})
	require.NoError(t, writer.Wait(context.Background()))

	require.NoError(t, writer.Schedule(context.Background(), "a", testEntry(), ""))
	require.NoError(t, writer.Wait(context.Background()))
	require.NoError(t, writer.Schedule(context.Background(), "b", testEntry(), ""))
	require.NoError(t, writer.Wait(context.Background()))

	size, _ := stub.Size(context.Background())
	require.Equal(t, int64(2), size)
}

package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rewired-gh/quotesentinel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	symbols []string
	err     error
}

func (f *fakeSource) FetchWatchlistSymbols(context.Context) ([]string, error) {
	return f.symbols, f.err
}

type fakeSubscriber struct {
	mu           sync.Mutex
	subscribed   [][]string
	unsubscribed [][]string
	subErr       error
	unsubErr     error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, symbols []string, _ []models.SubType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbols)
	return f.subErr
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, symbols []string, _ []models.SubType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, symbols)
	return f.unsubErr
}

func TestReconcile(t *testing.T) {
	d := Reconcile([]string{"A", "B", "C"}, []string{"B", "C", "D"})
	assert.Equal(t, []string{"A"}, d.ToSubscribe)
	assert.Equal(t, []string{"D"}, d.ToUnsubscribe)

	same := Reconcile([]string{"A", "B"}, []string{"b", "a", "A"})
	assert.Empty(t, same.ToSubscribe)
	assert.Empty(t, same.ToUnsubscribe)
	assert.True(t, same.Empty())

	fresh := Reconcile([]string{"C", "A", "B"}, nil)
	assert.Equal(t, []string{"A", "B", "C"}, fresh.ToSubscribe)
}

func TestManager_DesiredUnion(t *testing.T) {
	m := NewManager(&fakeSource{symbols: []string{"TSLA.US", "aapl.us"}}, []string{"AAPL.US", "NVDA.US"})
	assert.Equal(t, []string{"AAPL.US", "NVDA.US", "TSLA.US"}, m.Desired(context.Background()))
}

func TestManager_WatchlistFailureFallsBackToStatic(t *testing.T) {
	m := NewManager(&fakeSource{err: errors.New("timeout")}, []string{"NVDA.US"})
	assert.Equal(t, []string{"NVDA.US"}, m.Desired(context.Background()))
}

func TestManager_SyncAppliesMinimalDelta(t *testing.T) {
	src := &fakeSource{symbols: []string{"A", "B", "C"}}
	m := NewManager(src, nil)
	sub := &fakeSubscriber{}
	ctx := context.Background()

	delta, err := m.Sync(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, delta.ToSubscribe)
	assert.Equal(t, []string{"A", "B", "C"}, m.Current())

	src.symbols = []string{"B", "C", "D"}
	delta, err = m.Sync(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, delta.ToSubscribe)
	assert.Equal(t, []string{"A"}, delta.ToUnsubscribe)
	assert.Equal(t, []string{"B", "C", "D"}, m.Current())

	delta, err = m.Sync(ctx, sub)
	require.NoError(t, err)
	assert.True(t, delta.Empty())
	assert.Len(t, sub.subscribed, 2)
	assert.Len(t, sub.unsubscribed, 1)
}

func TestManager_EmptyDesiredIsNotAnError(t *testing.T) {
	m := NewManager(&fakeSource{}, nil)
	sub := &fakeSubscriber{}

	delta, err := m.Sync(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, delta.Empty())
	assert.Empty(t, sub.subscribed)
	assert.Empty(t, sub.unsubscribed)
}

func TestManager_SubscribeFailureKeepsCurrent(t *testing.T) {
	m := NewManager(nil, []string{"A", "B"})
	sub := &fakeSubscriber{subErr: errors.New("not connected")}

	_, err := m.Sync(context.Background(), sub)
	require.Error(t, err)
	assert.Empty(t, m.Current())

	sub.subErr = nil
	_, err = m.Sync(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, m.Current())
}

func TestManager_UnsubscribeFailureStillConverges(t *testing.T) {
	m := NewManager(nil, []string{"A", "B"})
	sub := &fakeSubscriber{}
	_, err := m.Sync(context.Background(), sub)
	require.NoError(t, err)

	sub.unsubErr = errors.New("rejected")
	m.SetStatic([]string{"A"})
	_, err = m.Sync(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, m.Current())
}

func TestManager_ResetResubscribesEverything(t *testing.T) {
	m := NewManager(nil, []string{"A", "B"})
	sub := &fakeSubscriber{}
	_, err := m.Sync(context.Background(), sub)
	require.NoError(t, err)

	m.Reset()
	assert.Empty(t, m.Current())

	delta, err := m.Sync(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, delta.ToSubscribe)
}

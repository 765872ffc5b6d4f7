package node

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bespoke/pkg/routerapi"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []*routerapi.Message
	closes int
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Send(msg *routerapi.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		close(c.done)
	}
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func TestBeginAllocatesMonotonicIDs(t *testing.T) {
	n := New("ABC", newFakeConn(), nil)

	first, err := n.Begin()
	require.NoError(t, err)
	second, err := n.Begin()
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)
	assert.Equal(t, 2, n.Pending())
}

func TestResolveOutOfOrder(t *testing.T) {
	n := New("ABC", newFakeConn(), nil)
	first, _ := n.Begin()
	second, _ := n.Begin()

	assert.True(t, n.Resolve(second.ID, &routerapi.ForwardResponse{Status: 202}))
	select {
	case <-first.Done():
		t.Fatal("first exchange resolved by the second response")
	default:
	}
	<-second.Done()
	resp, err := second.Result()
	require.NoError(t, err)
	assert.Equal(t, 202, resp.Status)

	assert.True(t, n.Resolve(first.ID, &routerapi.ForwardResponse{Status: 200}))
	resp, err = first.Result()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 0, n.Pending())
}

func TestResolveAfterCancelIsDiscarded(t *testing.T) {
	n := New("ABC", newFakeConn(), nil)
	ex, _ := n.Begin()

	n.Cancel(ex.ID)
	assert.False(t, n.Resolve(ex.ID, &routerapi.ForwardResponse{Status: 200}))
	assert.False(t, n.Resolve(ex.ID, &routerapi.ForwardResponse{Status: 200}))
	assert.Equal(t, 0, n.Pending())
}

func TestFailResolvesWithError(t *testing.T) {
	n := New("ABC", newFakeConn(), nil)
	ex, _ := n.Begin()

	assert.True(t, n.Fail(ex.ID, ErrInvalidResponse))
	<-ex.Done()
	resp, err := ex.Result()
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrInvalidResponse)

	assert.False(t, n.Fail(ex.ID, ErrInvalidResponse))
	assert.Equal(t, 0, n.Pending())
}

func TestCloseFailsAllPending(t *testing.T) {
	conn := newFakeConn()
	n := New("ABC", conn, nil)

	var exchanges []*Exchange
	for i := 0; i < 5; i++ {
		ex, err := n.Begin()
		require.NoError(t, err)
		exchanges = append(exchanges, ex)
	}

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	for _, ex := range exchanges {
		<-ex.Done()
		_, err := ex.Result()
		assert.ErrorIs(t, err, ErrNodeDisconnected)
	}
	assert.Equal(t, 1, conn.closes)
	assert.Equal(t, 0, n.Pending())

	_, err := n.Begin()
	assert.ErrorIs(t, err, ErrNodeDisconnected)
}

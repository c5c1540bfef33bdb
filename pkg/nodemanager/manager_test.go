package nodemanager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/connpool"
	"github.com/kcenon/pacs-system-sub002/pkg/peer"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

type memNodeStore struct {
	mu    sync.Mutex
	nodes map[string]*types.Node
	nextPK int64
}

func newMemNodeStore() *memNodeStore {
	return &memNodeStore{nodes: make(map[string]*types.Node)}
}

func (s *memNodeStore) FindByID(ctx context.Context, nodeID string) (*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s not found", nodeID)
	}
	cp := *n
	return &cp, nil
}

func (s *memNodeStore) FindAll(ctx context.Context) ([]*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memNodeStore) Save(ctx context.Context, n *types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.PK == 0 {
		s.nextPK++
		n.PK = s.nextPK
	}
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

func (s *memNodeStore) Remove(ctx context.Context, pk int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.nodes {
		if n.PK == pk {
			delete(s.nodes, id)
			return nil
		}
	}
	return nil
}

func (s *memNodeStore) UpdateStatus(ctx context.Context, nodeID string, status types.NodeStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	n.Status = status
	n.LastError = lastError
	n.LastVerified = time.Now()
	return nil
}

type noActiveJobs struct{}

func (noActiveJobs) HasActiveJobsForNode(ctx context.Context, nodeID string) (bool, error) {
	return false, nil
}

type hasActiveJobs struct{}

func (hasActiveJobs) HasActiveJobsForNode(ctx context.Context, nodeID string) (bool, error) {
	return true, nil
}

type fakeFactoryBuilder struct {
	fail bool
}

func (b *fakeFactoryBuilder) Build(node *types.Node) connpool.Factory {
	return &peer.FakeFactory{Peer: node.ID, Fail: b.fail}
}

func testPoolConfig() connpool.Config {
	return connpool.Config{
		MinSize:            1,
		MaxSize:            2,
		MaxIdleTime:        time.Minute,
		ValidationInterval: time.Hour,
		BorrowTimeout:      100 * time.Millisecond,
	}
}

func TestRegisterAndVerifyReachable(t *testing.T) {
	store := newMemNodeStore()
	scu := peer.NewFakeSCU()
	mgr := New(config.NodeManagerConfig{HealthInterval: time.Hour, VerifyConcurrency: 2},
		testPoolConfig(), store, noActiveJobs{}, &fakeFactoryBuilder{}, scu)

	node := &types.Node{ID: "node-a", AETitle: "REMOTE_AE", Host: "10.0.0.1", Port: 104}
	require.NoError(t, mgr.Register(context.Background(), node))

	require.NoError(t, mgr.Verify(context.Background(), "node-a"))

	got, err := mgr.Get(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusReachable, got.Status)
}

func TestVerifyErrorWhenEchoFails(t *testing.T) {
	store := newMemNodeStore()
	scu := peer.NewFakeSCU()
	scu.EchoErr = fmt.Errorf("association rejected")
	mgr := New(config.NodeManagerConfig{HealthInterval: time.Hour, VerifyConcurrency: 2},
		testPoolConfig(), store, noActiveJobs{}, &fakeFactoryBuilder{}, scu)

	node := &types.Node{ID: "node-b", AETitle: "REMOTE_AE", Host: "10.0.0.2", Port: 104}
	require.NoError(t, mgr.Register(context.Background(), node))
	require.NoError(t, mgr.Verify(context.Background(), "node-b"))

	got, err := mgr.Get(context.Background(), "node-b")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusError, got.Status)
	assert.Contains(t, got.LastError, "association rejected")
}

func TestUnregisterRefusedWithActiveJobs(t *testing.T) {
	store := newMemNodeStore()
	mgr := New(config.NodeManagerConfig{HealthInterval: time.Hour, VerifyConcurrency: 2},
		testPoolConfig(), store, hasActiveJobs{}, &fakeFactoryBuilder{}, peer.NewFakeSCU())

	node := &types.Node{ID: "node-c", AETitle: "REMOTE_AE", Host: "10.0.0.3", Port: 104}
	require.NoError(t, mgr.Register(context.Background(), node))

	err := mgr.Unregister(context.Background(), "node-c")
	require.Error(t, err)

	_, err = mgr.Get(context.Background(), "node-c")
	require.NoError(t, err, "node must still be registered after a refused unregister")
}

func TestUnregisterSucceedsWithoutActiveJobs(t *testing.T) {
	store := newMemNodeStore()
	mgr := New(config.NodeManagerConfig{HealthInterval: time.Hour, VerifyConcurrency: 2},
		testPoolConfig(), store, noActiveJobs{}, &fakeFactoryBuilder{}, peer.NewFakeSCU())

	node := &types.Node{ID: "node-d", AETitle: "REMOTE_AE", Host: "10.0.0.4", Port: 104}
	require.NoError(t, mgr.Register(context.Background(), node))
	require.NoError(t, mgr.Unregister(context.Background(), "node-d"))

	_, err := mgr.Get(context.Background(), "node-d")
	require.Error(t, err)
}

func TestBorrowReturnThroughConnectionProvider(t *testing.T) {
	store := newMemNodeStore()
	mgr := New(config.NodeManagerConfig{HealthInterval: time.Hour, VerifyConcurrency: 2},
		testPoolConfig(), store, noActiveJobs{}, &fakeFactoryBuilder{}, peer.NewFakeSCU())

	node := &types.Node{ID: "node-e", AETitle: "REMOTE_AE", Host: "10.0.0.5", Port: 104}
	require.NoError(t, mgr.Register(context.Background(), node))

	conn, err := mgr.Borrow(context.Background(), "node-e", 50*time.Millisecond)
	require.NoError(t, err)
	mgr.Return(context.Background(), "node-e", conn)
}

package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kcenon/pacs-system-sub002/pkg/connpool"
)

// MapDataset is an in-memory Dataset backed by a plain string map, used
// by tests and by the routing/sync packages' own test fixtures.
type MapDataset struct {
	Tags        map[string]string
	Modified    time.Time
	HasModified bool
	Instances   int
	HasInstances bool
}

func (d *MapDataset) Get(tag string) (string, bool) {
	v, ok := d.Tags[tag]
	return v, ok
}

func (d *MapDataset) LastModified() (time.Time, bool) {
	return d.Modified, d.HasModified
}

func (d *MapDataset) InstanceCount() (int, bool) {
	return d.Instances, d.HasInstances
}

// FakeConnection is a deterministic connpool.Connection used in tests;
// it never actually dials anything.
type FakeConnection struct {
	id      string
	valid   atomic.Bool
	closed  atomic.Bool
	resets  atomic.Int32
}

// NewFakeConnection constructs a valid fake connection.
func NewFakeConnection(id string) *FakeConnection {
	c := &FakeConnection{id: id}
	c.valid.Store(true)
	return c
}

func (c *FakeConnection) ID() string                       { return c.id }
func (c *FakeConnection) Validate(ctx context.Context) bool { return c.valid.Load() }
func (c *FakeConnection) Reset()                            { c.resets.Add(1) }
func (c *FakeConnection) Close() error                      { c.closed.Store(true); return nil }

// FakeFactory is a connpool.Factory producing FakeConnections, used to
// initialize a pool in tests without a real peer.
type FakeFactory struct {
	mu      sync.Mutex
	Peer    string
	created int
	Fail    bool
}

func NewFakeFactory(peer string) *FakeFactory {
	return &FakeFactory{Peer: peer}
}

func (f *FakeFactory) Create(ctx context.Context) (connpool.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail {
		return nil, fmt.Errorf("fake factory: forced failure creating connection to %s", f.Peer)
	}
	f.created++
	return NewFakeConnection(fmt.Sprintf("%s-conn-%d", f.Peer, f.created)), nil
}

// StoreCall records one Store invocation observed by FakeSCU, used by
// tests asserting exactly-once/idempotent delivery (spec §8 scenario
// 1).
type StoreCall struct {
	StudyUID string
	SOPUID   string
}

// FakeSCU is a deterministic, in-memory stand-in for the real DICOM
// SCU implementation (out of scope per spec §1), letting job handler
// tests drive retry, cancellation, and progress-reporting behavior
// without a network stack.
//
// StoreFailuresBeforeSuccess/MoveFailuresBeforeSuccess let a test script "fail the first N calls,
// then succeed" per spec §8 scenario 2; StreamItems/StreamDelay
// lets a test simulate a slow multi-item Move per scenario 4.
type FakeSCU struct {
	mu sync.Mutex

	EchoErr error

	StoreFailuresBeforeSuccess int
	storeAttempts              int
	StoreCalls                 []StoreCall

	FindResults []Dataset

	MoveFailuresBeforeSuccess int
	moveAttempts              int
	StreamItems               int
	StreamDelay               time.Duration
}

func NewFakeSCU() *FakeSCU {
	return &FakeSCU{}
}

func (s *FakeSCU) Echo(ctx context.Context, conn connpool.Connection) error {
	return s.EchoErr
}

func (s *FakeSCU) Find(ctx context.Context, conn connpool.Connection, query Dataset) (<-chan Dataset, error) {
	ch := make(chan Dataset, len(s.FindResults))
	for _, d := range s.FindResults {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (s *FakeSCU) Move(ctx context.Context, conn connpool.Connection, destinationAE string, query Dataset, progress ProgressCallback) error {
	s.mu.Lock()
	s.moveAttempts++
	attempt := s.moveAttempts
	s.mu.Unlock()

	if attempt <= s.MoveFailuresBeforeSuccess {
		return fmt.Errorf("timeout: simulated move failure on attempt %d", attempt)
	}

	total := s.StreamItems
	if total == 0 {
		total = 1
	}
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.StreamDelay > 0 {
			timer := time.NewTimer(s.StreamDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		if progress != nil {
			progress(int64(i), int64(i)*1024, fmt.Sprintf("1.2.3.%d", i))
		}
	}
	return nil
}

func (s *FakeSCU) Store(ctx context.Context, conn connpool.Connection, dataset Dataset, progress ProgressCallback) error {
	s.mu.Lock()
	s.storeAttempts++
	attempt := s.storeAttempts
	s.mu.Unlock()

	if attempt <= s.StoreFailuresBeforeSuccess {
		return fmt.Errorf("timeout: simulated store failure on attempt %d", attempt)
	}

	studyUID, _ := dataset.Get("StudyInstanceUID")
	sopUID, _ := dataset.Get("SOPInstanceUID")
	s.mu.Lock()
	s.StoreCalls = append(s.StoreCalls, StoreCall{StudyUID: studyUID, SOPUID: sopUID})
	s.mu.Unlock()

	if progress != nil {
		progress(1, 1024, sopUID)
	}
	return nil
}

// StoreCallCount returns the number of Store calls observed so far.
func (s *FakeSCU) StoreCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.StoreCalls)
}

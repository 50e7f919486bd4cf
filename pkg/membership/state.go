// Package membership tracks which members vote and which receive replicated
// entries, and persists that state with the log's versioned-state files.
package membership

import (
	"sync"
	"sync/atomic"

	"github.com/downfa11-org/seglog/pkg/metrics"
	"github.com/downfa11-org/seglog/pkg/types"
)

// Listener is told about every committed membership mutation, whether or
// not the sets changed. Listeners run
// synchronously on the mutating goroutine and must not call back into
// MembershipState mutators.
type Listener interface {
	OnMembershipChanged()
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func()

func (f ListenerFunc) OnMembershipChanged() { f() }

// ListenerID identifies a registered listener for deregistration.
type ListenerID uint64

type snapshot struct {
	voting      []types.Member
	additional  []types.Member
	replication []types.Member
}

// MembershipState holds the voting members, the additional members that
// only receive replication, and the log index the membership was taken at.
// Replication members are always voting ∪ additional.
type MembershipState struct {
	mu         sync.Mutex // voting, additional
	voting     map[types.Member]struct{}
	additional map[types.Member]struct{}
	logIndex   atomic.Int64

	current atomic.Pointer[snapshot]

	listenerMu sync.Mutex
	listeners  map[ListenerID]Listener
	nextID     ListenerID
}

func New(logIndex int64) *MembershipState {
	s := &MembershipState{
		voting:     make(map[types.Member]struct{}),
		additional: make(map[types.Member]struct{}),
		listeners:  make(map[ListenerID]Listener),
	}
	s.logIndex.Store(logIndex)
	s.current.Store(&snapshot{})
	return s
}

// SetVotingMembers replaces the voting set.
func (s *MembershipState) SetVotingMembers(members []types.Member) {
	s.mu.Lock()
	next := make(map[types.Member]struct{}, len(members))
	for _, m := range members {
		next[m] = struct{}{}
	}
	s.voting = next
	s.publishLocked()
	s.mu.Unlock()

	s.notify()
}

func (s *MembershipState) AddAdditionalReplicationMember(m types.Member) {
	s.mu.Lock()
	s.additional[m] = struct{}{}
	s.publishLocked()
	s.mu.Unlock()

	s.notify()
}

func (s *MembershipState) RemoveAdditionalReplicationMember(m types.Member) {
	s.mu.Lock()
	delete(s.additional, m)
	s.publishLocked()
	s.mu.Unlock()

	s.notify()
}

// publishLocked recomputes the replication set and swaps in a new snapshot.
func (s *MembershipState) publishLocked() {
	voting := make([]types.Member, 0, len(s.voting))
	additional := make([]types.Member, 0, len(s.additional))
	union := make(map[types.Member]struct{}, len(s.voting)+len(s.additional))
	for m := range s.voting {
		voting = append(voting, m)
		union[m] = struct{}{}
	}
	for m := range s.additional {
		additional = append(additional, m)
		union[m] = struct{}{}
	}
	replication := make([]types.Member, 0, len(union))
	for m := range union {
		replication = append(replication, m)
	}
	types.SortMembers(voting)
	types.SortMembers(additional)
	types.SortMembers(replication)

	s.current.Store(&snapshot{voting: voting, additional: additional, replication: replication})
	metrics.MembershipChanges.Inc()
}

// VotingMembers returns a sorted copy of the voting set.
func (s *MembershipState) VotingMembers() []types.Member {
	return clone(s.current.Load().voting)
}

// AdditionalReplicationMembers returns a sorted copy of the members that
// receive entries without voting.
func (s *MembershipState) AdditionalReplicationMembers() []types.Member {
	return clone(s.current.Load().additional)
}

// ReplicationMembers returns a sorted copy of voting ∪ additional members.
func (s *MembershipState) ReplicationMembers() []types.Member {
	return clone(s.current.Load().replication)
}

func (s *MembershipState) LogIndex() int64 {
	return s.logIndex.Load()
}

func (s *MembershipState) SetLogIndex(index int64) {
	s.logIndex.Store(index)
}

func (s *MembershipState) RegisterListener(l Listener) ListenerID {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.nextID++
	s.listeners[s.nextID] = l
	return s.nextID
}

func (s *MembershipState) DeregisterListener(id ListenerID) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	delete(s.listeners, id)
}

func (s *MembershipState) notify() {
	s.listenerMu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenerMu.Unlock()

	for _, l := range listeners {
		l.OnMembershipChanged()
	}
}

func clone(members []types.Member) []types.Member {
	out := make([]types.Member, len(members))
	copy(out, members)
	return out
}

package raftstore_test

import (
	"testing"

	"github.com/downfa11-org/seglog/pkg/membership"
	"github.com/downfa11-org/seglog/pkg/raftstore"
	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
)

func server(id string, suffrage raft.ServerSuffrage) raft.Server {
	return raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(id + ":7000"), Suffrage: suffrage}
}

func TestMemberFromServer(t *testing.T) {
	id := uuid.New()
	m := raftstore.MemberFromServer(raft.Server{ID: raft.ServerID(id.String()), Address: "10.0.0.1:7000"})
	assert.Equal(t, id, m.ID)
	assert.Equal(t, "10.0.0.1:7000", m.Address)

	a := raftstore.MemberFromServer(server("broker-1", raft.Voter))
	b := raftstore.MemberFromServer(server("broker-1", raft.Voter))
	assert.Equal(t, a, b, "name-based ids are stable")
	assert.NotEqual(t, a.ID, raftstore.MemberFromServer(server("broker-2", raft.Voter)).ID)
}

func TestSyncMembership(t *testing.T) {
	s := membership.New(-1)
	calls := 0
	s.RegisterListener(membership.ListenerFunc(func() { calls++ }))

	cfg := raft.Configuration{Servers: []raft.Server{
		server("a", raft.Voter),
		server("b", raft.Voter),
		server("c", raft.Nonvoter),
	}}
	raftstore.SyncMembership(s, cfg, 5)

	assert.Equal(t, int64(5), s.LogIndex())
	assert.Len(t, s.VotingMembers(), 2)
	assert.Equal(t, []types.Member{member("c")}, s.AdditionalReplicationMembers())
	assert.Len(t, s.ReplicationMembers(), 3)
	assert.Equal(t, 2, calls)

	raftstore.SyncMembership(s, cfg, 6)
	assert.Equal(t, 2, calls, "same configuration does not notify")
	assert.Equal(t, int64(6), s.LogIndex())

	cfg.Servers = []raft.Server{
		server("a", raft.Voter),
		server("c", raft.Voter),
		server("d", raft.Staging),
	}
	raftstore.SyncMembership(s, cfg, 9)
	assert.ElementsMatch(t, []types.Member{member("a"), member("c")}, s.VotingMembers())
	assert.Equal(t, []types.Member{member("d")}, s.AdditionalReplicationMembers())
}

func member(id string) types.Member {
	return raftstore.MemberFromServer(server(id, raft.Voter))
}

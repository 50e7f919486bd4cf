package raftstore

import (
	"slices"

	"github.com/downfa11-org/seglog/pkg/membership"
	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
)

// MemberFromServer maps a raft server onto a member. Server ids that are not
// UUIDs get a stable name-based UUID.
func MemberFromServer(srv raft.Server) types.Member {
	id, err := uuid.Parse(string(srv.ID))
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(srv.ID))
	}
	return types.Member{ID: id, Address: string(srv.Address)}
}

// SyncMembership makes state match a raft configuration committed at index:
// voters become voting members and every other server an additional
// replication member. Only the mutations needed to reach that configuration
// are applied, so an unchanged configuration notifies no listener.
func SyncMembership(state *membership.MembershipState, cfg raft.Configuration, index uint64) {
	var voting []types.Member
	additional := make(map[types.Member]struct{})
	for _, srv := range cfg.Servers {
		m := MemberFromServer(srv)
		if srv.Suffrage == raft.Voter {
			voting = append(voting, m)
		} else {
			additional[m] = struct{}{}
		}
	}

	types.SortMembers(voting)
	if !slices.Equal(voting, state.VotingMembers()) {
		state.SetVotingMembers(voting)
	}
	current := make(map[types.Member]struct{})
	for _, m := range state.AdditionalReplicationMembers() {
		current[m] = struct{}{}
		if _, ok := additional[m]; !ok {
			state.RemoveAdditionalReplicationMember(m)
		}
	}
	for m := range additional {
		if _, ok := current[m]; !ok {
			state.AddAdditionalReplicationMember(m)
		}
	}
	state.SetLogIndex(int64(index))
}

// SyncFromRaft reads the latest configuration from r into state.
func SyncFromRaft(r *raft.Raft, state *membership.MembershipState) error {
	future := r.GetConfiguration()
	if err := future.Error(); err != nil {
		return err
	}
	SyncMembership(state, future.Configuration(), future.Index())
	return nil
}

package membership

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/downfa11-org/seglog/pkg/disk"
	"github.com/downfa11-org/seglog/pkg/state"
	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/downfa11-org/seglog/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxMembers = 1 << 16

// MemberMarshal encodes a member as its 16-byte id followed by a
// length-prefixed address.
type MemberMarshal struct{}

var _ types.ChannelMarshal[types.Member] = MemberMarshal{}

func (MemberMarshal) Marshal(m types.Member, w io.Writer) error {
	if _, err := w.Write(m.ID[:]); err != nil {
		return err
	}
	return util.WriteWithLength(w, []byte(m.Address))
}

func (MemberMarshal) Unmarshal(r io.Reader) (types.Member, error) {
	var id uuid.UUID
	if err := util.ReadFull(r, id[:]); err != nil {
		return types.Member{}, err
	}
	addr, err := util.ReadWithLength(r)
	if err != nil {
		return types.Member{}, err
	}
	return types.Member{ID: id, Address: string(addr)}, nil
}

// Marshal persists the log index and the voting members. Additional
// replication members are transient and not written.
type Marshal struct {
	Member types.ChannelMarshal[types.Member]
}

var _ state.StateMarshal[*MembershipState] = Marshal{}

func (m Marshal) member() types.ChannelMarshal[types.Member] {
	if m.Member == nil {
		return MemberMarshal{}
	}
	return m.Member
}

func (m Marshal) Marshal(s *MembershipState, w io.Writer) error {
	voting := s.VotingMembers()
	if err := util.WriteInt64(w, s.LogIndex()); err != nil {
		return err
	}
	if err := util.WriteInt32(w, int32(len(voting))); err != nil {
		return err
	}
	for _, v := range voting {
		if err := m.member().Marshal(v, w); err != nil {
			return fmt.Errorf("marshal member %s: %w", v, err)
		}
	}
	return nil
}

// Unmarshal returns nil, nil when r runs out before a whole record is read.
func (m Marshal) Unmarshal(r io.Reader) (*MembershipState, error) {
	s, err := m.unmarshal(r)
	if exhausted(err) {
		return nil, nil
	}
	return s, err
}

func (m Marshal) unmarshal(r io.Reader) (*MembershipState, error) {
	var first [8]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return nil, err
	}
	logIndex := int64(binary.BigEndian.Uint64(first[:]))

	count, err := util.ReadInt32(r)
	if err != nil {
		return nil, err
	}
	if count < 0 || count > maxMembers {
		return nil, fmt.Errorf("invalid voting member count %d", count)
	}
	members := make([]types.Member, 0, count)
	for i := int32(0); i < count; i++ {
		v, err := m.member().Unmarshal(r)
		if err != nil {
			return nil, fmt.Errorf("unmarshal member %d: %w", i, err)
		}
		members = append(members, v)
	}

	s := New(logIndex)
	s.SetVotingMembers(members)
	return s, nil
}

// StartState is an empty membership ordered before any persisted one.
func (Marshal) StartState() *MembershipState {
	return New(-1)
}

func (Marshal) Ordinal(s *MembershipState) int64 {
	return s.LogIndex()
}

func exhausted(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, util.ErrShortRead)
}

// OpenStorage opens the durable membership files in dir.
func OpenStorage(fs disk.FileSystem, dir string, rotateAfter int, logger *zap.Logger) (*state.DurableStateStorage[*MembershipState], error) {
	return state.Open[*MembershipState](fs, dir, "membership", Marshal{}, rotateAfter, logger)
}

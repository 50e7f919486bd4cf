package types

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Member identifies a cluster node taking part in replication.
type Member struct {
	ID      uuid.UUID
	Address string
}

func NewMember(address string) Member {
	return Member{ID: uuid.New(), Address: address}
}

func (m Member) String() string {
	return fmt.Sprintf("Member{%s@%s}", m.ID, m.Address)
}

// SortMembers orders members by id so snapshots and encodings are stable.
func SortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		if c := bytes.Compare(members[i].ID[:], members[j].ID[:]); c != 0 {
			return c < 0
		}
		return members[i].Address < members[j].Address
	})
}

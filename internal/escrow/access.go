package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// AllowList is a static domain.AccessChecker backed by a fixed set of
// resolver addresses. Holding a spot on the list stands in for holding the
// access token that gates the public withdraw and cancel entrypoints.
type AllowList struct {
	members map[common.Address]bool
}

// NewAllowList builds an AllowList from the given addresses.
func NewAllowList(addrs []common.Address) *AllowList {
	members := make(map[common.Address]bool, len(addrs))
	for _, a := range addrs {
		members[a] = true
	}
	return &AllowList{members: members}
}

// HoldsAccessToken reports whether the principal is on the list.
func (l *AllowList) HoldsAccessToken(_ context.Context, principal common.Address) (bool, error) {
	return l.members[principal], nil
}

package store

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

func castCid(b []byte) (cid.Cid, error) {
	id, err := cid.Cast(b)
	if err != nil {
		return cid.Undef, fmt.Errorf("store: cast objid: %w", err)
	}
	return id, nil
}

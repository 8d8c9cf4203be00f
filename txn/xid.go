package txn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/xid"
)

// ErrInvalidXid reports a malformed transaction identity.
var ErrInvalidXid = errors.New("txn: invalid xid")

// Xid identifies a transaction, optionally narrowed to one branch.
type Xid struct {
	GlobalID string
	BranchID string
}

// NewXid mints a fresh global transaction identity.
func NewXid() Xid {
	return Xid{GlobalID: xid.New().String()}
}

// Branch returns the identity of branch b under x's global transaction.
func (x Xid) Branch(b string) Xid {
	return Xid{GlobalID: x.GlobalID, BranchID: b}
}

// String renders "global" or "global:branch". ParseXid inverts it.
func (x Xid) String() string {
	if x.BranchID == "" {
		return x.GlobalID
	}
	return x.GlobalID + ":" + x.BranchID
}

// IsZero reports whether x is unset.
func (x Xid) IsZero() bool { return x.GlobalID == "" && x.BranchID == "" }

// Validate checks that the identity can round-trip through String.
func (x Xid) Validate() error {
	if x.GlobalID == "" {
		return fmt.Errorf("%w: empty global id", ErrInvalidXid)
	}
	if strings.Contains(x.GlobalID, ":") {
		return fmt.Errorf("%w: global id %q contains ':'", ErrInvalidXid, x.GlobalID)
	}
	return nil
}

// ParseXid splits s at the first ':' into global and branch ids.
func ParseXid(s string) (Xid, error) {
	global, branch, _ := strings.Cut(s, ":")
	x := Xid{GlobalID: global, BranchID: branch}
	if err := x.Validate(); err != nil {
		return Xid{}, err
	}
	return x, nil
}

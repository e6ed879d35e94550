package kmedoids

import (
	"encoding/json"
	"fmt"
)

// RefKind selects the CenterRef variant
type RefKind uint8

const (
	// RefLocal indexes a dataset held by one process
	RefLocal RefKind = iota
	// RefRemote indexes the partition held by one rank
	RefRemote
)

// CenterRef identifies one medoid. A run uses one variant throughout,
// fixed by whether its communicator is distributed.
type CenterRef struct {
	Kind  RefKind
	Rank  int
	Index int
}

// Local references observation index of a single-process dataset
func Local(index int) CenterRef {
	return CenterRef{Kind: RefLocal, Index: index}
}

// Remote references observation index of rank's partition
func Remote(rank, index int) CenterRef {
	return CenterRef{Kind: RefRemote, Rank: rank, Index: index}
}

// IsRemote reports whether c is the Remote variant
func (c CenterRef) IsRemote() bool {
	return c.Kind == RefRemote
}

// Owner returns the rank holding the observation (0 for Local)
func (c CenterRef) Owner() int {
	if c.Kind == RefRemote {
		return c.Rank
	}
	return 0
}

func (c CenterRef) String() string {
	if c.Kind == RefRemote {
		return fmt.Sprintf("(%d, %d)", c.Rank, c.Index)
	}
	return fmt.Sprintf("%d", c.Index)
}

type refJSON struct {
	Rank  *int `json:"rank,omitempty"`
	Index int  `json:"index"`
}

// MarshalJSON encodes Local as {"index":i} and Remote as {"rank":r,"index":i}
func (c CenterRef) MarshalJSON() ([]byte, error) {
	out := refJSON{Index: c.Index}
	if c.Kind == RefRemote {
		rank := c.Rank
		out.Rank = &rank
	}
	return json.Marshal(out)
}

func (c *CenterRef) UnmarshalJSON(b []byte) error {
	var in refJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in.Rank != nil {
		*c = Remote(*in.Rank, in.Index)
	} else {
		*c = Local(in.Index)
	}
	return nil
}

// Package wire defines the messages exchanged between ranks and the
// coordinator. Messages are encoded with protowire using fixed field
// numbers, so they stay readable by any protobuf tooling that has the
// matching schema.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "kmedoids.collective.v1.Coordinator"

	// ExchangeMethod is the full method name of the Exchange RPC
	ExchangeMethod = "/" + ServiceName + "/Exchange"

	// AbortMethod is the full method name of the Abort RPC
	AbortMethod = "/" + ServiceName + "/Abort"
)

// Message is implemented by every type that travels through Codec
type Message interface {
	AppendWire(b []byte) []byte
	UnmarshalWire(b []byte) error
}

// Kind identifies the collective a contribution belongs to
type Kind int32

const (
	KindUnspecified Kind = iota
	KindBroadcast
	KindAllgather
	KindReduce
	KindBarrier
)

func (k Kind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	case KindAllgather:
		return "allgather"
	case KindReduce:
		return "reduce"
	case KindBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// Partial carries a mergeable reduction summary
type Partial struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

func (p *Partial) AppendWire(b []byte) []byte {
	b = appendSintField(b, 1, p.Count)
	b = appendDoubleField(b, 2, p.Sum)
	b = appendDoubleField(b, 3, p.Min)
	b = appendDoubleField(b, 4, p.Max)
	return b
}

func (p *Partial) UnmarshalWire(b []byte) error {
	*p = Partial{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		var err error
		switch num {
		case 1:
			p.Count, n, err = consumeSint(typ, b)
		case 2:
			p.Sum, n, err = consumeDouble(typ, b)
		case 3:
			p.Min, n, err = consumeDouble(typ, b)
		case 4:
			p.Max, n, err = consumeDouble(typ, b)
		}
		return n, err
	})
}

// Contribution is one rank's input to a collective round. Rounds are
// identified by Seq, which every rank advances in lockstep.
type Contribution struct {
	JobID     string
	Rank      int32
	WorldSize int32
	Seq       uint64
	Kind      Kind
	Root      int32
	Op        int32
	Values    []float64
	Ints      []int64
	Partial   *Partial
}

// GetRank returns the contributing rank
func (c *Contribution) GetRank() int32 {
	if c == nil {
		return -1
	}
	return c.Rank
}

// GetJobID returns the job the contribution belongs to
func (c *Contribution) GetJobID() string {
	if c == nil {
		return ""
	}
	return c.JobID
}

func (c *Contribution) AppendWire(b []byte) []byte {
	b = appendStringField(b, 1, c.JobID)
	b = appendSintField(b, 2, int64(c.Rank))
	b = appendSintField(b, 3, int64(c.WorldSize))
	b = appendVarintField(b, 4, c.Seq)
	b = appendVarintField(b, 5, uint64(c.Kind))
	b = appendSintField(b, 6, int64(c.Root))
	b = appendSintField(b, 7, int64(c.Op))
	b = appendPackedDoubles(b, 8, c.Values)
	b = appendPackedSints(b, 9, c.Ints)
	if c.Partial != nil {
		b = appendMessageField(b, 10, c.Partial.AppendWire(nil))
	}
	return b
}

func (c *Contribution) UnmarshalWire(b []byte) error {
	*c = Contribution{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(typ, b)
			c.JobID = v
			return n, err
		case 2:
			v, n, err := consumeSint(typ, b)
			c.Rank = int32(v)
			return n, err
		case 3:
			v, n, err := consumeSint(typ, b)
			c.WorldSize = int32(v)
			return n, err
		case 4:
			v, n, err := consumeVarint(typ, b)
			c.Seq = v
			return n, err
		case 5:
			v, n, err := consumeVarint(typ, b)
			c.Kind = Kind(v)
			return n, err
		case 6:
			v, n, err := consumeSint(typ, b)
			c.Root = int32(v)
			return n, err
		case 7:
			v, n, err := consumeSint(typ, b)
			c.Op = int32(v)
			return n, err
		case 8:
			return consumeDoubles(typ, b, &c.Values)
		case 9:
			return consumeSints(typ, b, &c.Ints)
		case 10:
			payload, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			c.Partial = &Partial{}
			return n, c.Partial.UnmarshalWire(payload)
		}
		return 0, nil
	})
}

// Outcome is the result of a completed round, identical for every rank
type Outcome struct {
	Values []float64
	Ints   []int64
	// Lists holds one entry per rank for allgather rounds
	Lists   [][]int64
	Partial *Partial
}

func (o *Outcome) AppendWire(b []byte) []byte {
	b = appendPackedDoubles(b, 1, o.Values)
	b = appendPackedSints(b, 2, o.Ints)
	for _, list := range o.Lists {
		b = appendMessageField(b, 3, appendPackedSints(nil, 1, list))
	}
	if o.Partial != nil {
		b = appendMessageField(b, 4, o.Partial.AppendWire(nil))
	}
	return b
}

func (o *Outcome) UnmarshalWire(b []byte) error {
	*o = Outcome{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeDoubles(typ, b, &o.Values)
		case 2:
			return consumeSints(typ, b, &o.Ints)
		case 3:
			payload, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			list := []int64{}
			err = decodeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != 1 {
					return 0, nil
				}
				return consumeSints(typ, b, &list)
			})
			o.Lists = append(o.Lists, list)
			return n, err
		case 4:
			payload, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			o.Partial = &Partial{}
			return n, o.Partial.UnmarshalWire(payload)
		}
		return 0, nil
	})
}

// AbortRequest tells the coordinator that a rank hit an unrecoverable fault
type AbortRequest struct {
	JobID  string
	Rank   int32
	Reason string
}

// GetRank returns the aborting rank
func (a *AbortRequest) GetRank() int32 {
	if a == nil {
		return -1
	}
	return a.Rank
}

// GetJobID returns the job being aborted
func (a *AbortRequest) GetJobID() string {
	if a == nil {
		return ""
	}
	return a.JobID
}

func (a *AbortRequest) AppendWire(b []byte) []byte {
	b = appendStringField(b, 1, a.JobID)
	b = appendSintField(b, 2, int64(a.Rank))
	b = appendStringField(b, 3, a.Reason)
	return b
}

func (a *AbortRequest) UnmarshalWire(b []byte) error {
	*a = AbortRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(typ, b)
			a.JobID = v
			return n, err
		case 2:
			v, n, err := consumeSint(typ, b)
			a.Rank = int32(v)
			return n, err
		case 3:
			v, n, err := consumeString(typ, b)
			a.Reason = v
			return n, err
		}
		return 0, nil
	})
}

// AbortResponse acknowledges an abort
type AbortResponse struct {
	Acknowledged bool
}

func (a *AbortResponse) AppendWire(b []byte) []byte {
	return appendBoolField(b, 1, a.Acknowledged)
}

func (a *AbortResponse) UnmarshalWire(b []byte) error {
	*a = AbortResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeVarint(typ, b)
		a.Acknowledged = v != 0
		return n, err
	})
}

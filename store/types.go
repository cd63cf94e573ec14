package store

import (
	"time"

	"github.com/ipfs/go-cid"

	"backset/codec"
)

// ObjID is the content hash of an object's serialized payload: a CIDv1,
// raw codec, BLAKE3 multihash value. It is opaque outside of equality and
// serialization, per the data model in spec.md §3.
type ObjID = cid.Cid

// ObjType mirrors codec.ObjType; re-exported so callers of store don't
// need to import codec just to name a type.
type ObjType = codec.ObjType

const (
	ObjBlob  = codec.ObjBlob
	ObjInode = codec.ObjInode
	ObjTree  = codec.ObjTree
)

// Object is a node in the content-addressed graph (spec.md §3, I1–I4).
type Object struct {
	ID               ObjID
	Type             ObjType
	Payload          []byte // nil for ObjBlob; always present for ObjInode/ObjTree
	FileSize         *int64
	LastModifiedTime *time.Time
}

// ChildRef is one outgoing edge from an object being admitted, carrying
// the optional lossy-UTF-8 name used only for indexing (spec.md §3).
type ChildRef struct {
	Child ObjID
	Name  string // empty means no name (e.g. a chunk-list blob edge)
}

// FSEntry is a node in the persistent shadow tree of the local
// filesystem (spec.md §3, F1–F5).
type FSEntry struct {
	ID       int64
	Path     string
	ParentID *int64
	Obj      *ObjID
	New      bool

	StMode    *uint32
	StMtimeNs *int64
	StSize    *int64
}

// Dirty reports whether this entry still needs to be (re-)backed up.
func (e *FSEntry) Dirty() bool { return e.Obj == nil }

// Snapshot is a durable named pointer into the object graph.
type Snapshot struct {
	ID   int64
	Path string
	Root ObjID
	Date time.Time
}

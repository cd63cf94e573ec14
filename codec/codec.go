// Package codec implements the object-graph payload grammar: a small set
// of self-delimiting tagged records (blob / inode / tree) encoded as a
// sequence of independent msgpack values, the same way the structure is
// built up field-by-field in the original implementation.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// ObjType tags the kind of object a payload encodes.
type ObjType int

const (
	ObjBlob ObjType = iota
	ObjInode
	ObjTree
)

func (t ObjType) String() string {
	switch t {
	case ObjBlob:
		return "blob"
	case ObjInode:
		return "inode"
	case ObjTree:
		return "tree"
	default:
		return fmt.Sprintf("ObjType(%d)", int(t))
	}
}

// InodeMeta is the metadata record carried by every inode payload.
type InodeMeta struct {
	Size    int64 `msgpack:"size"`
	Inode   int64 `msgpack:"inode"`
	Uid     int64 `msgpack:"uid"`
	Gid     int64 `msgpack:"gid"`
	Mode    int64 `msgpack:"mode"`
	MtimeNs int64 `msgpack:"mtime"`
	AtimeNs int64 `msgpack:"atime"`
}

// TreeMeta is the metadata record carried by every tree payload.
type TreeMeta struct {
	Uid   int64 `msgpack:"uid"`
	Gid   int64 `msgpack:"gid"`
	Mode  int64 `msgpack:"mode"`
	Mtime int64 `msgpack:"mtime"`
	Atime int64 `msgpack:"atime"`
}

// ChunkRef is one (offset, child objid) pair in an inode's chunklist, in
// ascending offset order.
type ChunkRef struct {
	Offset int64
	Child  []byte
}

// TreeEntry is one (raw name, child objid) pair in a tree, in directory
// read order (not sorted).
type TreeEntry struct {
	Name  []byte
	Child []byte
}

// Payload is the decoded, positionally-typed form of an object's bytes.
type Payload struct {
	Type ObjType

	// Blob
	Blob []byte

	// Inode
	InodeMeta *InodeMeta
	Immediate []byte     // set when the file's content was inlined
	Chunks    []ChunkRef // set when the file was chunked; nil otherwise

	// Tree
	TreeMeta *TreeMeta
	Entries  []TreeEntry
}

// EncodeBlob builds a blob payload: the tag followed by the raw bytes.
func EncodeBlob(data []byte) []byte {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	must(enc.Encode("blob"))
	must(enc.Encode(data))
	return buf.Bytes()
}

// EncodeInodeImmediate builds an inode payload whose content is inlined.
func EncodeInodeImmediate(meta InodeMeta, data []byte) []byte {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	must(enc.Encode("inode"))
	must(enc.Encode(meta))
	must(enc.Encode([]interface{}{"immediate", data}))
	return buf.Bytes()
}

// EncodeInodeChunklist builds an inode payload referencing blob chunks in
// ascending offset order.
func EncodeInodeChunklist(meta InodeMeta, chunks []ChunkRef) []byte {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	must(enc.Encode("inode"))
	must(enc.Encode(meta))
	pairs := make([][2]interface{}, len(chunks))
	for i, c := range chunks {
		pairs[i] = [2]interface{}{c.Offset, c.Child}
	}
	must(enc.Encode([]interface{}{"chunklist", pairs}))
	return buf.Bytes()
}

// EncodeTree builds a tree payload. Entries are written in the order
// given; callers are responsible for preserving directory read order.
func EncodeTree(meta TreeMeta, entries []TreeEntry) []byte {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	must(enc.Encode("tree"))
	must(enc.Encode(meta))
	pairs := make([][2]interface{}, len(entries))
	for i, e := range entries {
		pairs[i] = [2]interface{}{e.Name, e.Child}
	}
	must(enc.Encode(pairs))
	return buf.Bytes()
}

func must(err error) {
	if err != nil {
		panic(fmt.Errorf("codec: encode: %w", err))
	}
}

// Decoder reads the tagged values out of a payload positionally, stopping
// cleanly at the end of the buffer rather than treating a short read as
// an error. It is the mechanism both Decode and ChildrenOf are built on.
type Decoder struct {
	dec *msgpack.Decoder
}

// NewDecoder wraps raw payload bytes for positional reads.
func NewDecoder(raw []byte) *Decoder {
	return &Decoder{dec: msgpack.NewDecoder(bytes.NewReader(raw))}
}

// Next decodes the next value in the stream. It returns io.EOF (not
// wrapped) once the buffer is exhausted; callers should treat that as a
// clean end rather than a failure.
func (d *Decoder) Next() (interface{}, error) {
	v, err := d.dec.DecodeInterface()
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return v, nil
}

// Decode parses one complete payload into its typed, positional form.
func Decode(raw []byte) (*Payload, error) {
	d := NewDecoder(raw)
	tagv, err := d.Next()
	if err != nil {
		return nil, fmt.Errorf("codec: decode: empty payload: %w", err)
	}
	tag, ok := tagv.(string)
	if !ok {
		return nil, fmt.Errorf("codec: decode: first value is not a tag string")
	}

	switch tag {
	case "blob":
		datav, err := d.Next()
		if err != nil {
			return nil, fmt.Errorf("codec: decode blob: %w", err)
		}
		data, err := asBytes(datav)
		if err != nil {
			return nil, fmt.Errorf("codec: decode blob: %w", err)
		}
		return &Payload{Type: ObjBlob, Blob: data}, nil

	case "inode":
		meta, err := decodeInodeMeta(d)
		if err != nil {
			return nil, err
		}
		trailingv, err := d.Next()
		if err != nil {
			return nil, fmt.Errorf("codec: decode inode trailer: %w", err)
		}
		trailing, ok := trailingv.([]interface{})
		if !ok || len(trailing) != 2 {
			return nil, fmt.Errorf("codec: decode inode trailer: malformed")
		}
		kind, ok := trailing[0].(string)
		if !ok {
			return nil, fmt.Errorf("codec: decode inode trailer: bad kind")
		}
		p := &Payload{Type: ObjInode, InodeMeta: meta}
		switch kind {
		case "immediate":
			data, err := asBytes(trailing[1])
			if err != nil {
				return nil, fmt.Errorf("codec: decode inode immediate: %w", err)
			}
			p.Immediate = data
		case "chunklist":
			chunks, err := decodeChunklist(trailing[1])
			if err != nil {
				return nil, err
			}
			p.Chunks = chunks
		default:
			return nil, fmt.Errorf("codec: decode inode: unknown trailer kind %q", kind)
		}
		return p, nil

	case "tree":
		meta, err := decodeTreeMeta(d)
		if err != nil {
			return nil, err
		}
		entriesv, err := d.Next()
		if err != nil {
			return nil, fmt.Errorf("codec: decode tree entries: %w", err)
		}
		entries, err := decodeTreeEntries(entriesv)
		if err != nil {
			return nil, err
		}
		return &Payload{Type: ObjTree, TreeMeta: meta, Entries: entries}, nil

	default:
		return nil, fmt.Errorf("codec: decode: unknown tag %q", tag)
	}
}

// ChildrenOf returns the ordered child objids referenced from a payload,
// without building the full Payload structure. Used by the garbage
// collector's reachability traversal and by cache rebuild from remote
// objects alone.
func ChildrenOf(raw []byte) ([][]byte, error) {
	p, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	switch p.Type {
	case ObjBlob:
		return nil, nil
	case ObjInode:
		children := make([][]byte, 0, len(p.Chunks))
		for _, c := range p.Chunks {
			children = append(children, c.Child)
		}
		return children, nil
	case ObjTree:
		children := make([][]byte, 0, len(p.Entries))
		for _, e := range p.Entries {
			children = append(children, e.Child)
		}
		return children, nil
	default:
		return nil, fmt.Errorf("codec: children of unknown type")
	}
}

func decodeInodeMeta(d *Decoder) (*InodeMeta, error) {
	metav, err := d.Next()
	if err != nil {
		return nil, fmt.Errorf("codec: decode inode meta: %w", err)
	}
	m, ok := metav.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("codec: decode inode meta: not a map")
	}
	return &InodeMeta{
		Size:    toInt64(m["size"]),
		Inode:   toInt64(m["inode"]),
		Uid:     toInt64(m["uid"]),
		Gid:     toInt64(m["gid"]),
		Mode:    toInt64(m["mode"]),
		MtimeNs: toInt64(m["mtime"]),
		AtimeNs: toInt64(m["atime"]),
	}, nil
}

func decodeTreeMeta(d *Decoder) (*TreeMeta, error) {
	metav, err := d.Next()
	if err != nil {
		return nil, fmt.Errorf("codec: decode tree meta: %w", err)
	}
	m, ok := metav.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("codec: decode tree meta: not a map")
	}
	return &TreeMeta{
		Uid:   toInt64(m["uid"]),
		Gid:   toInt64(m["gid"]),
		Mode:  toInt64(m["mode"]),
		Mtime: toInt64(m["mtime"]),
		Atime: toInt64(m["atime"]),
	}, nil
}

func decodeChunklist(v interface{}) ([]ChunkRef, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("codec: decode chunklist: not an array")
	}
	chunks := make([]ChunkRef, 0, len(list))
	for _, item := range list {
		pair, ok := item.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("codec: decode chunklist: malformed entry")
		}
		child, err := asBytes(pair[1])
		if err != nil {
			return nil, fmt.Errorf("codec: decode chunklist: %w", err)
		}
		chunks = append(chunks, ChunkRef{Offset: toInt64(pair[0]), Child: child})
	}
	return chunks, nil
}

func decodeTreeEntries(v interface{}) ([]TreeEntry, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("codec: decode tree entries: not an array")
	}
	entries := make([]TreeEntry, 0, len(list))
	for _, item := range list {
		pair, ok := item.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("codec: decode tree entries: malformed entry")
		}
		name, err := asBytes(pair[0])
		if err != nil {
			return nil, fmt.Errorf("codec: decode tree entries: name: %w", err)
		}
		child, err := asBytes(pair[1])
		if err != nil {
			return nil, fmt.Errorf("codec: decode tree entries: child: %w", err)
		}
		entries = append(entries, TreeEntry{Name: name, Child: child})
	}
	return entries, nil
}

func asBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("expected bytes, got %T", v)
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int8:
		return int64(n)
	case uint64:
		return int64(n)
	case uint32:
		return int64(n)
	case uint8:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

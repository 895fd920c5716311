package pelican

import (
	"fmt"
)

type (
	// Change describes a write about to happen on a collection. It is passed
	// to the BeforeChangeFunc registered with Collection.OnBeforeChange.
	//
	// For OpInsert, Docs are the documents about to be written and may be
	// modified in place. For OpUpdate, Selector and Patch are the arguments of
	// Update, and Patch may be modified in place. For OpDelete, Docs are the
	// documents the selector resolved to.
	Change struct {
		Op         Op
		Collection string
		Selector   Selector
		Patch      Document
		Docs       []Document
	}

	// BeforeChangeFunc runs synchronously before a write. Returning an error
	// aborts the write before any bytes are persisted.
	BeforeChangeFunc func(chg *Change) error

	Op int

	// IndexOp is the kind of deferred index maintenance carried by IndexTask.
	IndexOp int
)

const (
	OpNone   Op = 0
	OpInsert Op = 1
	OpUpdate Op = 2
	OpDelete Op = 3
)

const (
	IndexAdd    IndexOp = 1
	IndexDelete IndexOp = 2
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

func (v IndexOp) String() string {
	switch v {
	case IndexAdd:
		return "add"
	case IndexDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid index op %d", int(v))
	}
}

// IndexTask is a batch of index maintenance deferred to an IndexQueue.
type IndexTask struct {
	Docs       []Document `msgpack:"d"`
	Collection string     `msgpack:"c"`
	Database   string     `msgpack:"db"`
	Op         IndexOp    `msgpack:"op"`
}

// IndexQueue accepts index maintenance tasks for asynchronous processing.
// When Options.IndexQueue is nil, indexes are maintained inline.
type IndexQueue interface {
	Put(task IndexTask) error
}

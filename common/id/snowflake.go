// Package id generates the int64 identifiers used as audit-log primary
// keys. Snowflake IDs sort by creation time, so the delivery outcome
// table pages newest-first on its primary key alone.
package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init sets the process-wide generator node. The server and worker run
// with distinct node IDs so their IDs never collide.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New returns the next time-ordered ID. Init must have been called.
func New() int64 {
	return node.Generate().Int64()
}

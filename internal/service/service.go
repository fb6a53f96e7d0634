package service

import (
	"context"

	"github.com/rdsconnect/screen-server/internal/broadcast"
	"github.com/rdsconnect/screen-server/internal/database"
)

// TxRunner runs fn in a single database transaction. *database.DB
// satisfies it.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// GroupPublisher pushes an event to every connection in a device's group.
type GroupPublisher interface {
	Publish(ctx context.Context, deviceID string, event broadcast.Event) error
}

// Connection is the live transport a device or controller talks over.
type Connection interface {
	ID() string
	// JoinGroup subscribes the connection to the device's broadcast group.
	JoinGroup(ctx context.Context, deviceID string) error
}

var (
	_ TxRunner       = (*database.DB)(nil)
	_ GroupPublisher = (*broadcast.Broker)(nil)
)

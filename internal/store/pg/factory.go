package pg

import (
	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// NewStores creates all stores backed by Postgres (managed mode).
func NewStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Directory:     NewDirectoryStore(db),
		Conversations: NewConversationStore(db),
		Transfers:     NewTransferStore(db),
		Close:         db.Close,
	}, nil
}

// Package stores implements the persistent stores of the execution core:
// tasks and inbox, handler runs, event topics, inputs and mutations. Each
// store holds its own connection handle and logger; a contextx.Context
// carrying an open transaction overrides the handle so multi-store sequences
// can commit as one unit.
package stores

import (
	"errors"

	"keeper/app/db"
	"keeper/pkg/contextx"

	"gorm.io/gorm"
)

func session(conn *db.Conn, ctx *contextx.Context) *gorm.DB {
	if ctx != nil && ctx.GetDB() != nil {
		return ctx.GetDB().DB()
	}
	return conn.DB()
}

func IsNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// Transaction runs fc with a cloned context carrying the open transaction.
// The *db.Tx handed to fc's context cannot start another transaction, and fc
// has no access to the root connection, so a nested transaction cannot be
// expressed.
func Transaction(conn *db.Conn, ctx *contextx.Context, fc func(subCtx *contextx.Context) error) error {
	if ctx == nil {
		ctx = contextx.NewContext()
	}
	subCtx := ctx.Clone()
	return conn.Transaction(func(tx *db.Tx) error {
		subCtx.SetDB(tx)
		return fc(subCtx)
	})
}

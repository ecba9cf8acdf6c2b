package contextx

import (
	"context"

	"gorm.io/gorm"
)

// Executor is a handle that can run storage statements. Both the root
// connection and an open transaction satisfy it; only the root connection
// can start a transaction.
type Executor interface {
	DB() *gorm.DB
}

type Context struct {
	context.Context
	dbTx Executor
	data map[string]interface{}
}

func (ctx *Context) Clone() *Context {
	newCtx := &Context{
		Context: context.Background(),
		data:    map[string]interface{}{},
	}
	for k, v := range ctx.data {
		newCtx.data[k] = v
	}
	return newCtx
}

func (ctx *Context) Set(name string, value interface{}) {
	ctx.data[name] = value
}

func (ctx *Context) Get(name string) interface{} {
	if v, ok := ctx.data[name]; ok {
		return v
	}
	return nil
}

func (ctx *Context) GetDB() Executor {
	return ctx.dbTx
}

func (ctx *Context) SetDB(tx Executor) {
	ctx.dbTx = tx
}

// InTransaction reports whether this context already carries an open
// transaction handle.
func (ctx *Context) InTransaction() bool {
	_, ok := ctx.dbTx.(TxMarker)
	return ok
}

func (ctx *Context) GetWorkflowID() string {
	if w, ok := ctx.data["workflow"]; ok {
		return w.(string)
	}
	return ""
}

// TxMarker is implemented by transaction handles only.
type TxMarker interface {
	Executor
	TxToken()
}

func NewContext() *Context {
	return &Context{
		Context: context.Background(),
		data:    map[string]interface{}{},
	}
}

func NewContextFromMap(data map[string]interface{}) *Context {
	return &Context{
		Context: context.Background(),
		data:    data,
	}
}

// Package middleware wraps directory calls in an onion chain, the same way
// for pushes, removals and listings:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//
// Wrap turns a chain plus a directory.Client back into a directory.Client, so
// the registrar never knows which middlewares are installed.
package middleware

import (
	"context"
	"errors"
	"fmt"

	"svc-registrar/directory"
)

var (
	ErrRateLimited = errors.New("directory rate limit exceeded")
	ErrTimeout     = fmt.Errorf("directory request timed out: %w", context.DeadlineExceeded)
)

// Op names the directory operation carried by a Call.
type Op string

const (
	OpPush   Op = "push"
	OpRemove Op = "remove"
	OpList   Op = "list"
)

// Call is one directory request travelling through the chain.
type Call struct {
	Op     Op
	Record directory.Record // OpPush
	ID     string           // OpRemove; Record.ID for OpPush
	Tag    string           // OpList
}

// Result carries the outcome back out. Entries is only set for a successful OpList.
type Result struct {
	Entries map[string]directory.Entry
	Err     error
}

type HandlerFunc func(ctx context.Context, call *Call) *Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one; the first one given is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Handler dispatches calls to the client's methods. It is the innermost
// handler of every chain.
func Handler(c directory.Client) HandlerFunc {
	return func(ctx context.Context, call *Call) *Result {
		switch call.Op {
		case OpPush:
			return &Result{Err: c.Push(ctx, call.Record)}
		case OpRemove:
			return &Result{Err: c.Remove(ctx, call.ID)}
		case OpList:
			entries, err := c.List(ctx, call.Tag)
			if err != nil {
				return &Result{Err: err}
			}
			return &Result{Entries: entries}
		default:
			return &Result{Err: fmt.Errorf("unknown directory op %q", call.Op)}
		}
	}
}

// Wrap returns a directory.Client whose calls run through mws. Close goes
// straight to the wrapped client.
func Wrap(c directory.Client, mws ...Middleware) directory.Client {
	return &wrapped{
		Client:  c,
		handler: Chain(mws...)(Handler(c)),
	}
}

type wrapped struct {
	directory.Client
	handler HandlerFunc
}

func (w *wrapped) Push(ctx context.Context, record directory.Record) error {
	return w.handler(ctx, &Call{Op: OpPush, Record: record, ID: record.ID}).Err
}

func (w *wrapped) Remove(ctx context.Context, id string) error {
	return w.handler(ctx, &Call{Op: OpRemove, ID: id}).Err
}

func (w *wrapped) List(ctx context.Context, tag string) (map[string]directory.Entry, error) {
	res := w.handler(ctx, &Call{Op: OpList, Tag: tag})
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Entries, nil
}

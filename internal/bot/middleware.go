package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"droughtwatch/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// slowCommand promotes the completion log line from debug to info.
const slowCommand = 750 * time.Millisecond

// withDeadline bounds the handler by d; d <= 0 leaves ctx alone.
func withDeadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			err := next(ctx, req)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &timeoutError{after: d, err: err}
			}
			return err
		}
	}
}

type timeoutError struct {
	after time.Duration
	err   error
}

func (e *timeoutError) Error() string { return fmt.Sprintf("timed out after %s", e.after) }
func (e *timeoutError) Unwrap() error { return e.err }

// recoverPanics turns a handler panic into an error.
func recoverPanics(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (err error) {
		defer func() {
			if r := recover(); r != nil {
				req.Logger.Error("command panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return next(ctx, req)
	}
}

// audit logs every command with its duration.
func audit(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		start := time.Now()
		err := next(ctx, req)
		took := time.Since(start)
		fields := []logx.Field{logx.Int("args", len(req.Args)), logx.Duration("took", took)}
		switch {
		case err != nil:
			req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
		case took >= slowCommand:
			req.Logger.Info("command done (slow)", fields...)
		default:
			req.Logger.Debug("command done", fields...)
		}
		return err
	}
}

// replyOnError answers the chat when the handler fails. The handler's ctx
// may be spent, so the reply gets its own short deadline.
func replyOnError(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		err := next(ctx, req)
		if err == nil || req.reply == nil {
			return err
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = req.reply.Send(rctx, req.Msg.Target(), "command failed: "+escape(err.Error()), "HTML")
		return err
	}
}

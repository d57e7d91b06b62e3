package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "uploadbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an error so the worker survives.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if !req.Logger.IsZero() {
					log = req.Logger
				}
				log.Error("handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// slowRequest promotes the completion log line to Info.
const slowRequest = 750 * time.Millisecond

// MWRequestLog logs each request's outcome and duration. Operator mistakes
// (UserError) stay at Debug.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			l := log
			if !req.Logger.IsZero() {
				l = req.Logger
			}
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			var ue *UserError
			fields := []logx.Field{logx.String("cmd", req.Command), logx.Duration("took", took)}
			switch {
			case errors.As(err, &ue):
				l.Debug("request rejected", append(fields, logx.String("reply", ue.Text))...)
			case err != nil:
				l.Warn("request failed", append(fields, logx.Err(err))...)
			case took >= slowRequest:
				l.Info("request done", fields...)
			default:
				l.Debug("request done", fields...)
			}
			return err
		}
	}
}

// UserError is shown to the operator verbatim.
type UserError struct{ Text string }

func (e *UserError) Error() string { return e.Text }

// Userf builds a UserError.
func Userf(format string, args ...any) error {
	return &UserError{Text: fmt.Sprintf(format, args...)}
}

// MWReplyError tells the operator a handler failed. UserError text is sent
// as is; anything else gets a generic line with the request id.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil || req.Adapter == nil {
				return err
			}
			text := "❌ Something went wrong (ref " + req.ReqID + ")."
			var ue *UserError
			switch {
			case errors.As(err, &ue):
				text = ue.Text
			case errors.Is(err, context.DeadlineExceeded):
				text = "⏱ Timed out, try again."
			}
			// The handler context may be spent.
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = req.Reply(sctx, text)
			return err
		}
	}
}

package filewatch

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// UntilModifyContext returns a context that is canceled
// when one of target files is modified (= written, created, removed, or renamed).
//
// # Args
//
// - ctx: context.Context
//
// - targetFilePath ...string: file pathes to be watched.
// When any of the files is modified, the context is canceled.
//
// # Returns
//
// - context.Context: context that is canceled when one of target files is modified.
//
// - func(): cancel function.
//
// - error: error caused when it fails to start watching files.
//
// If error is not nil, both of the the context and the cancel function are nil.
func UntilModifyContext(ctx context.Context, targetFilePath ...string) (context.Context, func(), error) {
	cctx, cancel := context.WithCancelCause(ctx)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel(err)
		return nil, nil, err
	}

	go func() {
		defer w.Close()

		for {
			select {
			case <-cctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				cancel(fmt.Errorf("%s is updated (%s)", event.Name, event.Op.String()))
			}
		}
	}()

	for _, f := range targetFilePath {
		if err = w.Add(f); err != nil {
			cancel(err)
			return nil, nil, err
		}
	}
	return cctx, func() { cancel(nil) }, nil
}

// Each calls onModify every time one of target files is modified, until ctx is done.
//
// Modifications within settle are coalesced into one call.
// Watching is restarted before onModify is called, so modifications during onModify are not lost.
//
// # Returns
//
// - error: ctx.Err() when ctx is done, or error caused when it fails to start watching files.
func Each(ctx context.Context, settle time.Duration, onModify func(ctx context.Context, cause error), targetFilePath ...string) error {
	mctx, cancel, err := UntilModifyContext(ctx, targetFilePath...)
	if err != nil {
		return err
	}
	for {
		<-mctx.Done()
		cause := context.Cause(mctx)
		cancel()
		if err := ctx.Err(); err != nil {
			return err
		}

		timer := time.NewTimer(settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		mctx, cancel, err = UntilModifyContext(ctx, targetFilePath...)
		if err != nil {
			return err
		}
		onModify(ctx, cause)
	}
}

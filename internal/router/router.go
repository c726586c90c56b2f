// Package router delivers a batch to the sink and, when that fails, hands
// it to the dead-letter store.
package router

import (
	"context"
	"errors"
	"time"

	"log-ingest-gateway/internal/deadletter"
	"log-ingest-gateway/internal/model"
	"log-ingest-gateway/internal/sink"

	"github.com/rs/zerolog/log"
)

// ModeDirect is the only success mode: the batch reached the sink.
const ModeDirect = "direct"

// Result of a successful dispatch.
type Result struct {
	Mode string `json:"mode"`
}

// RouterError
// ------------------------------------------------------------
// Returned for every failed dispatch. Cause is the sink failure and is
// always set. DeadLetterKey is the replay reference, empty when the batch
// was not stored (no store configured, or PersistErr is set).
type RouterError struct {
	Message       string
	DeadLetterKey string
	Cause         error
	PersistErr    error
}

func (e *RouterError) Error() string { return e.Message }

// Unwrap exposes both failures to errors.Is / errors.As.
func (e *RouterError) Unwrap() []error {
	errs := []error{e.Cause}
	if e.PersistErr != nil {
		errs = append(errs, e.PersistErr)
	}
	return errs
}

// Saved reports whether the batch can be replayed.
func (e *RouterError) Saved() bool { return e.DeadLetterKey != "" }

// Router
// ------------------------------------------------------------
//
//	Write ok     → Result{direct}, the store is never touched
//	Write failed → Persist → RouterError{key or "", cause, persist error}
//
// A failing persist never replaces the write failure.
type Router struct {
	writer sink.Writer
	store  deadletter.Store
}

// New builds a Router. A nil store behaves like deadletter.Disabled.
func New(writer sink.Writer, store deadletter.Store) *Router {
	if store == nil {
		store = deadletter.Disabled{}
	}
	return &Router{writer: writer, store: store}
}

// Dispatch writes batch to the sink, dead-lettering it on failure.
func (r *Router) Dispatch(ctx context.Context, batch model.LogBatch) (Result, error) {
	writeErr := r.writer.Write(ctx, batch)
	if writeErr == nil {
		return Result{Mode: ModeDirect}, nil
	}

	rerr := &RouterError{
		Message: writeErr.Error(),
		Cause:   writeErr,
	}

	// the request context may already be cancelled (client went away or
	// the sink call timed out); the batch is still worth keeping
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	key, err := r.persist(persistCtx, batch, writeErr.Error())
	switch {
	case err != nil:
		rerr.PersistErr = err
		rerr.Message = writeErr.Error() + "; dead-letter persist failed: " + err.Error()
		log.Error().
			Err(writeErr).
			AnErr("persist_err", err).
			Str("request_id", batch.RequestID).
			Int("events", len(batch.Events)).
			Msg("sink write failed and batch could not be dead-lettered")
	case key == "":
		log.Warn().
			Err(writeErr).
			Str("request_id", batch.RequestID).
			Int("events", len(batch.Events)).
			Msg("sink write failed, no dead-letter store, batch lost")
	default:
		rerr.DeadLetterKey = key
		log.Warn().
			Err(writeErr).
			Str("request_id", batch.RequestID).
			Str("dead_letter_key", key).
			Int("events", len(batch.Events)).
			Msg("sink write failed, batch dead-lettered")
	}
	return Result{}, rerr
}

// persist converts a panicking backend into an error so the write failure
// still reaches the caller.
func (r *Router) persist(ctx context.Context, batch model.LogBatch, reason string) (key string, err error) {
	defer func() {
		if p := recover(); p != nil {
			key, err = "", errors.New("dead-letter store panicked")
			log.Error().Interface("panic", p).Msg("dead-letter persist panicked")
		}
	}()
	return r.store.Persist(ctx, batch, reason)
}

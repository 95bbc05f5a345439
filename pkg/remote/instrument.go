package remote

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/adbfs/pkg/metrics"
)

type instrumented struct {
	next    Transport
	metrics *metrics.Collector
	log     zerolog.Logger
}

// Instrument wraps t so every call is timed into collector and logged at
// debug level. A nil collector only logs.
func Instrument(t Transport, collector *metrics.Collector, log zerolog.Logger) Transport {
	return &instrumented{next: t, metrics: collector, log: log}
}

func (i *instrumented) observe(op, path string, start time.Time, err error) {
	elapsed := time.Since(start)
	i.metrics.TransportCall(op, elapsed, err)
	ev := i.log.Debug()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Str("op", op).Str("path", path).Dur("elapsed", elapsed).Msg("transport call")
}

func (i *instrumented) Stat(ctx context.Context, path string) (out string, err error) {
	defer func(start time.Time) { i.observe("stat", path, start, err) }(time.Now())
	return i.next.Stat(ctx, path)
}

func (i *instrumented) List(ctx context.Context, path string) (out string, err error) {
	defer func(start time.Time) { i.observe("list", path, start, err) }(time.Now())
	return i.next.List(ctx, path)
}

func (i *instrumented) ReadLink(ctx context.Context, path string) (out string, err error) {
	defer func(start time.Time) { i.observe("readlink", path, start, err) }(time.Now())
	return i.next.ReadLink(ctx, path)
}

func (i *instrumented) StageChunk(ctx context.Context, req StageRequest) (err error) {
	defer func(start time.Time) { i.observe("stage", req.Source, start, err) }(time.Now())
	return i.next.StageChunk(ctx, req)
}

func (i *instrumented) Pull(ctx context.Context, staging, local string) (err error) {
	defer func(start time.Time) { i.observe("pull", staging, start, err) }(time.Now())
	return i.next.Pull(ctx, staging, local)
}

func (i *instrumented) Mutate(ctx context.Context, m Mutation) (err error) {
	defer func(start time.Time) { i.observe(m.Kind.String(), m.Path, start, err) }(time.Now())
	return i.next.Mutate(ctx, m)
}

// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package limiter bounds the concurrency and throughput of one class of
// IO. Callers hold one instance per direction.
package limiter

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("limit exceeded")

type (
	Limiter interface {
		Acquire() error
		Release()
		Running() int
		Reader(ctx context.Context, r io.Reader) io.Reader
		Writer(ctx context.Context, w io.Writer) io.Writer
	}
	Config struct {
		Concurrency int `json:"concurrency"`
		MBPS        int `json:"mbps"`
	}

	limiter struct {
		limit   uint32
		current uint32
		rate    *rate.Limiter
	}
	rateReader struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Reader
	}
	rateWriter struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Writer
	}
)

const minusOne = ^uint32(0)

func NewLimiter(cfg Config) Limiter {
	const mb = 1 << 20
	lim := &limiter{limit: uint32(cfg.Concurrency)}
	if cfg.MBPS > 0 {
		lim.rate = rate.NewLimiter(rate.Limit(cfg.MBPS*mb), cfg.MBPS*mb)
	}
	return lim
}

func (l *limiter) Acquire() error {
	if l.limit == 0 {
		return nil
	}
	if atomic.AddUint32(&l.current, 1) > l.limit {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *limiter) Release() {
	if l.limit == 0 {
		return
	}
	atomic.AddUint32(&l.current, minusOne)
}

func (l *limiter) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if l.rate == nil {
		return r
	}
	return &rateReader{ctx: ctx, rate: l.rate, underlying: r}
}

func (l *limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if l.rate == nil {
		return w
	}
	return &rateWriter{ctx: ctx, rate: l.rate, underlying: w}
}

func (r *rateReader) Read(p []byte) (n int, err error) {
	if err = r.rate.WaitN(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.underlying.Read(p)
}

func (w *rateWriter) Write(p []byte) (n int, err error) {
	if err = w.rate.WaitN(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.underlying.Write(p)
}

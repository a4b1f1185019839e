// Copyright (c) 2025 Pratik. All rights reserved.
// Use of this source code is governed by the Sajilo Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize limita o burst do rate limiter de upload (64KB, alinhado aos
// chunks usados no envio de arquivos).
const maxBurstSize = 64 * 1024

// throttledWriter é um io.Writer com rate limiting por token bucket. Limita
// o upload de payload de arquivo a bytesPerSec bytes/segundo para não
// monopolizar o link durante uma transferência.
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// newThrottledWriter embrulha w com o limite dado em bytes/segundo.
// Se bytesPerSec <= 0, retorna o writer original sem throttle (bypass).
func newThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &throttledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write divide escritas maiores que o burst em pedaços, esperando tokens
// antes de cada pedaço.
func (tw *throttledWriter) Write(p []byte) (int, error) {
	total := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return total, err
		}

		n, err := tw.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}

		p = p[n:]
	}

	return total, nil
}

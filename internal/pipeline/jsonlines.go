package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/couchcryptid/profile-geofix/internal/domain"
	"github.com/couchcryptid/profile-geofix/internal/stage"
)

const maxLineBytes = 4 << 20

// Summary counts what a one-shot run did.
type Summary struct {
	Read      int // non-blank input lines
	Forwarded int // profiles written to the output
	Located   int // forwarded profiles carrying coordinates
	Skipped   int // lines that did not decode into a profile
}

// RunJSONLines drives one subscription from newline-delimited JSON profiles in
// r, writing each forwarded profile as one line to w. End of input completes
// the subscription; a read error or cancellation is pushed to the stage as an
// error and returned. Lines that do not decode are logged and skipped.
func RunJSONLines(ctx context.Context, r io.Reader, w io.Writer, op *stage.GeoFixOperator, logger *slog.Logger) (Summary, error) {
	out := &lineWriter{enc: json.NewEncoder(w)}
	st := op.Lift(out)

	var sum Summary
	finish := func(err error) (Summary, error) {
		sum.Forwarded, sum.Located = out.forwarded, out.located
		return sum, err
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			_ = st.OnError(ctx, err)
			return finish(err)
		}
		data := scanner.Bytes()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		sum.Read++

		profile, err := domain.DecodeProfile(domain.RawEvent{Value: data, Offset: int64(line)})
		if err != nil {
			logger.Warn("decode failed, skipping line", "line", line, "error", err)
			sum.Skipped++
			continue
		}
		if err := st.OnNext(ctx, profile); err != nil {
			return finish(err)
		}
	}

	if err := scanner.Err(); err != nil {
		err = fmt.Errorf("read profiles: %w", err)
		_ = st.OnError(ctx, err)
		return finish(err)
	}
	if err := st.OnCompleted(ctx); err != nil {
		return finish(err)
	}
	return finish(nil)
}

// lineWriter is the downstream end of a one-shot subscription.
type lineWriter struct {
	enc       *json.Encoder
	forwarded int
	located   int
}

func (l *lineWriter) OnNext(_ context.Context, p *domain.Profile) error {
	if err := l.enc.Encode(p); err != nil {
		return fmt.Errorf("write profile %s: %w", p.ID, err)
	}
	l.forwarded++
	if p.Coordinates() != nil {
		l.located++
	}
	return nil
}

func (l *lineWriter) OnCompleted(context.Context) error { return nil }

func (l *lineWriter) OnError(context.Context, error) error { return nil }

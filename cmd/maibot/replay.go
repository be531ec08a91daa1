package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/SnowindMe/MaiBot/internal/chat"
	"github.com/SnowindMe/MaiBot/internal/events"
	"github.com/SnowindMe/MaiBot/internal/outbound"
	"github.com/SnowindMe/MaiBot/internal/turn"
)

const maxReplayLine = 1 << 20

// replayRecord is one line of JSON replay output.
type replayRecord struct {
	Line      int                 `json:"line"`
	Result    *turn.Result        `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
	Delivered []*outbound.Sending `json:"delivered,omitempty"`
}

// recorder is an outbound transport that keeps deliveries until the
// next drain.
type recorder struct {
	mu   sync.Mutex
	sent []*outbound.Sending
}

func (r *recorder) Deliver(_ context.Context, msg *outbound.Sending) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) drain() []*outbound.Sending {
	r.mu.Lock()
	defer r.mu.Unlock()
	sent := r.sent
	r.sent = nil
	return sent
}

// runReplay handles "maibot replay <file.jsonl>". Each non-empty line
// not starting with '#' is a wire message processed as one turn, in
// order. The buffer window is disabled and state goes to a scratch data
// directory, so the real database is never touched. Logs go to stderr;
// results go to stdout.
func runReplay(ctx context.Context, stdout, stderr io.Writer, configPath, path, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	scratch, err := os.MkdirTemp("", "maibot-replay-")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)
	cfg.DataDir = scratch
	cfg.Chat.BufferWindowMs = 0

	rec := &recorder{}
	a, err := newApp(ctx, cfg, events.New(), rec, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	loopCtx, stopLoops := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	a.runLoops(gctx, g, false)
	defer func() {
		stopLoops()
		g.Wait()
	}()

	enc := json.NewEncoder(stdout)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxReplayLine)

	var turns, failed int
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		turns++
		rr := replayRecord{Line: n}
		rr.Result, err = a.Process(ctx, line)
		if err != nil {
			failed++
			rr.Error = err.Error()
		}
		a.outbound.Flush(ctx)
		rr.Delivered = rec.drain()

		if outputFmt == "json" {
			if err := enc.Encode(rr); err != nil {
				return err
			}
			continue
		}
		printReplayRecord(stdout, rr)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read replay file: %w", err)
	}

	if outputFmt == "text" {
		fmt.Fprintf(stdout, "\n%d turns, %d failed\n", turns, failed)
	}
	return nil
}

func printReplayRecord(w io.Writer, rr replayRecord) {
	if rr.Error != "" {
		fmt.Fprintf(w, "%4d  error: %s\n", rr.Line, rr.Error)
		return
	}
	res := rr.Result
	fmt.Fprintf(w, "%4d  %-16s stream=%s mentioned=%t p=%.2f\n",
		rr.Line, res.Outcome, res.StreamID, res.Mentioned, res.Probability)
	for _, s := range rr.Delivered {
		switch s.Segment.Type {
		case chat.SegEmoji:
			fmt.Fprintf(w, "      > [sticker]\n")
		default:
			fmt.Fprintf(w, "      > %s\n", s.Segment.Data)
		}
	}
	if res.Stance != "" || res.Emotion != "" {
		fmt.Fprintf(w, "      affect: stance=%s emotion=%s\n", res.Stance, res.Emotion)
	}
}

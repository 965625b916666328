package relay

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"gopkg.in/op/go-logging.v1"

	"github.com/mjl-/stratumproxy/frame"
	"github.com/mjl-/stratumproxy/instrument"
	"github.com/mjl-/stratumproxy/log"
	"github.com/mjl-/stratumproxy/message"
	"github.com/mjl-/stratumproxy/session"
)

// maxReplies is the number of frames that may wait to be written back to the
// leg they were translated from before reading from that leg stops.
const maxReplies = 16

// Pair relays between a miner session and a pool session. Both sessions must
// have completed their handshake.
type Pair struct {
	Downstream *session.Session
	Upstream   *session.Session

	// Translator maps frames between the legs. If nil, Passthrough is used.
	Translator Translator

	Log *logging.Logger
}

// Run runs both sessions and forwards frames between them until either leg
// stops, a translation fails or ctx is done. Stopping one leg cancels the
// other, both sockets are closed when Run returns. The error is that of
// the first leg or translation to fail.
func (p *Pair) Run(ctx context.Context) error {
	if p.Translator == nil {
		p.Translator = Passthrough
	}
	if p.Log == nil {
		p.Log = log.Discard("relay")
	}
	instrument.PairStarted()
	defer instrument.PairDone()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.Downstream.Run(gctx); err != nil {
			return xerrors.Errorf("downstream: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.Upstream.Run(gctx); err != nil {
			return xerrors.Errorf("upstream: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return p.forward(gctx)
	})
	err := g.Wait()
	p.Log.Debugf("pair %s -> %s done: %v", p.Downstream.RemoteAddr(), p.Upstream.RemoteAddr(), err)
	return err
}

// forward is the only goroutine touching the translator. Frames for a leg
// wait in a FIFO until that leg's outbound queue accepts them. While frames
// wait for the other leg, the source leg is not read. A slow pool thus stops
// reading from the miner, and the other way around.
func (p *Pair) forward(ctx context.Context) error {
	var toUp, toDown []frame.Frame
	downIn, upIn := p.Downstream.Incoming(), p.Upstream.Incoming()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var readDown, readUp <-chan message.Envelope
		if len(toUp) == 0 && len(toDown) < maxReplies {
			readDown = downIn
		}
		if len(toDown) == 0 && len(toUp) < maxReplies {
			readUp = upIn
		}
		var writeUp, writeDown chan<- frame.Frame
		var nextUp, nextDown frame.Frame
		if len(toUp) > 0 {
			writeUp, nextUp = p.Upstream.Outbound(), toUp[0]
		}
		if len(toDown) > 0 {
			writeDown, nextDown = p.Downstream.Outbound(), toDown[0]
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-readDown:
			if !ok {
				// Downstream stopped, its Run reports why.
				return nil
			}
			out, err := p.Translator.Downstream(env)
			if err != nil {
				return xerrors.Errorf("from downstream: %w", err)
			}
			toUp = append(toUp, out.ToUpstream...)
			toDown = append(toDown, out.ToDownstream...)

		case env, ok := <-readUp:
			if !ok {
				return nil
			}
			out, err := p.Translator.Upstream(env)
			if err != nil {
				return xerrors.Errorf("from upstream: %w", err)
			}
			toUp = append(toUp, out.ToUpstream...)
			toDown = append(toDown, out.ToDownstream...)

		case writeUp <- nextUp:
			toUp[0] = frame.Frame{}
			toUp = toUp[1:]
			instrument.FramesForwarded("upstream", 1)

		case writeDown <- nextDown:
			toDown[0] = frame.Frame{}
			toDown = toDown[1:]
			instrument.FramesForwarded("downstream", 1)
		}
	}
}

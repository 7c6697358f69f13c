package csc

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pixelpipe/stream"
)

// Stage runs a Converter between two sample channels. It converts every
// sample it receives and forwards it downstream, preserving order and
// backpressure. When the upstream channel closes, the stage closes its
// output and returns.
type Stage struct {
	conv *Converter
	in   *stream.Channel
	out  *stream.Channel
	name string
}

// NewStage wires a converter between in and out. The name tags log lines
// when one pipeline runs several conversion stages.
func NewStage(name string, conv *Converter, in, out *stream.Channel) *Stage {
	return &Stage{conv: conv, in: in, out: out, name: name}
}

// Run processes samples until the upstream closes or the context is
// canceled.
func (st *Stage) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "Stage.Run",
		"stage":    st.name,
	}).Debug("Color space stage started")

	defer st.out.Close()
	var count uint64
	for {
		s, err := st.in.Recv(ctx)
		if errors.Is(err, stream.ErrClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Stage.Run",
				"stage":    st.name,
				"samples":  count,
			}).Debug("Color space stage drained")
			return nil
		}
		if err != nil {
			return err
		}
		if err := st.out.Send(ctx, st.conv.Convert(s)); err != nil {
			return err
		}
		count++
	}
}

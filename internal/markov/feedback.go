package markov

import (
	"fmt"

	"markovnet/internal/device"
	"markovnet/internal/nodetable"
)

const maxWeight = 0xffff

// Feedback reinforces (positive) or weakens the table entries every gate drew
// on the last tick. Weights move by w/8+1 and stay within [1, 65535], so a row
// never loses its whole distribution. An attached mirror is re-synced.
func (n *Network) Feedback(positive bool) error {
	if n.closed {
		return ErrClosed
	}
	if !n.opts.FeedbackLearning {
		return ErrFeedbackDisabled
	}
	if n.ticks == 0 {
		return nil
	}

	trace := n.trace
	if n.mirror != nil {
		var err error
		if trace, err = n.mirror.dev.ReadTrace(n.mirror.handle); err != nil {
			return err
		}
	}

	changed := false
	for i, word := range trace {
		if word == device.TraceNone || n.nodes[i].Table == nil {
			continue
		}
		table := n.nodes[i].Table
		row, col := int(word>>16), int(word&0xffff)
		if row >= table.Rows || col >= table.Cols {
			return fmt.Errorf("trace for node %d out of table range: row=%d col=%d", i, row, col)
		}
		w := &table.Weights[row*table.Cols+col]
		*w = adjustWeight(*w, positive)
		changed = true
	}
	if !changed {
		return nil
	}

	image, err := nodetable.Encode(n.header, n.nodes)
	if err != nil {
		return fmt.Errorf("encode node table: %w", err)
	}
	n.image = image
	if n.mirror != nil {
		return n.mirror.dev.Sync(n.mirror.handle, image)
	}
	return nil
}

func adjustWeight(w uint32, positive bool) uint32 {
	step := w/8 + 1
	if positive {
		return min(w+step, maxWeight)
	}
	if w <= step {
		return 1
	}
	return w - step
}

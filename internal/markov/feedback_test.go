package markov

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"markovnet/internal/codec"
	"markovnet/internal/device"
	"markovnet/internal/prng"
)

func TestFeedbackDisabled(t *testing.T) {
	n, err := Build(copyGenome(), unitOptions())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := n.Tick([]float64{1}, 0); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := n.Feedback(true); !errors.Is(err, ErrFeedbackDisabled) {
		t.Fatalf("expected feedback disabled error, got %v", err)
	}
}

func TestFeedbackAdjustsDrawnEntry(t *testing.T) {
	opts := unitOptions()
	opts.FeedbackLearning = true
	genome := []byte{1, 1, 0, StartCodon, StartCodonPair, 0, 0, 0, 0, 16, 0, 0, 16}
	n, err := Build(genome, opts)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := n.Feedback(true); err != nil {
		t.Fatalf("feedback before any tick: %v", err)
	}
	if got := n.Node(2).Table.Weights; !reflect.DeepEqual(got, []uint32{16, 0, 0, 16}) {
		t.Fatalf("feedback without a tick changed weights: %v", got)
	}

	if _, err := n.Tick([]float64{1}, 0); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// the injected 1 selects row 1, whose only live column is 1.
	if err := n.Feedback(true); err != nil {
		t.Fatalf("positive feedback: %v", err)
	}
	if got := n.Node(2).Table.Weights; !reflect.DeepEqual(got, []uint32{16, 0, 0, 19}) {
		t.Fatalf("unexpected weights after reward: %v", got)
	}

	if _, err := n.Tick([]float64{0}, 1); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// input 0 selects row 0, column 0.
	if err := n.Feedback(false); err != nil {
		t.Fatalf("negative feedback: %v", err)
	}
	if got := n.Node(2).Table.Weights; !reflect.DeepEqual(got, []uint32{13, 0, 0, 19}) {
		t.Fatalf("unexpected weights after punishment: %v", got)
	}

	image := n.Image()
	if image[len(image)-1] != 19 || image[len(image)-4] != 13 {
		t.Fatalf("image not re-encoded after feedback: %v", image)
	}
}

func TestAdjustWeightBounds(t *testing.T) {
	tests := []struct {
		w        uint32
		positive bool
		want     uint32
	}{
		{w: 1, positive: true, want: 2},
		{w: 8, positive: true, want: 10},
		{w: maxWeight, positive: true, want: maxWeight},
		{w: maxWeight - 1, positive: true, want: maxWeight},
		{w: 1, positive: false, want: 1},
		{w: 2, positive: false, want: 1},
		{w: 16, positive: false, want: 13},
	}
	for _, tc := range tests {
		if got := adjustWeight(tc.w, tc.positive); got != tc.want {
			t.Fatalf("adjustWeight(%d, %v): got=%d want=%d", tc.w, tc.positive, got, tc.want)
		}
	}
}

func TestFeedbackParityWithDevice(t *testing.T) {
	opts := codec.DefaultOptions()
	opts.FeedbackLearning = true
	layout := Layout{Inputs: 3, Outputs: 2, Hidden: 4}
	dev := device.NewSoftDevice(0)

	host, _ := buildRandom(t, 41, layout, 16, opts)
	mirrored, _ := buildRandom(t, 41, layout, 16, opts, WithDevice(dev))

	inputs := inputSequence(41, 150, layout.Inputs)
	rewards := rand.New(rand.NewSource(41))
	stream := prng.NewSeedStream(13)
	for i, in := range inputs {
		seed := stream.Next()
		want, err := host.Tick(in, seed)
		if err != nil {
			t.Fatalf("host tick %d: %v", i, err)
		}
		got, err := mirrored.Tick(in, seed)
		if err != nil {
			t.Fatalf("device tick %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("tick %d diverged: host=%v device=%v", i, want, got)
		}
		positive := rewards.Intn(2) == 0
		if err := host.Feedback(positive); err != nil {
			t.Fatalf("host feedback: %v", err)
		}
		if err := mirrored.Feedback(positive); err != nil {
			t.Fatalf("device feedback: %v", err)
		}
	}
	if !reflect.DeepEqual(host.Image(), mirrored.Image()) {
		t.Fatal("learned tables diverged")
	}
}

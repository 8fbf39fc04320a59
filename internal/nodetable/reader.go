package nodetable

import (
	"fmt"

	"markovnet/internal/model"
)

const gateKind = uint32(model.KindGate)

// Image is a parsed, bounds-checked view over an encoded node table.
type Image struct {
	words []uint32
}

// Record is a zero-copy view of one node record.
type Record struct {
	Kind    uint32
	Inputs  []uint32
	Outputs []uint32
	Table   []uint32
}

// Parse validates words and returns a view. Every slot index and record
// offset is checked once here so executors can index without rechecking.
func Parse(words []uint32) (Image, error) {
	if len(words) < HeaderWords {
		return Image{}, fmt.Errorf("%w: %d words", ErrCorruptImage, len(words))
	}
	if words[wordMagic] != Magic || words[wordVersion] != Version {
		return Image{}, fmt.Errorf("%w: bad magic or version", ErrCorruptImage)
	}
	img := Image{words: words}
	nodes := img.Nodes()
	if HeaderWords+nodes > len(words) {
		return Image{}, fmt.Errorf("%w: directory overruns image", ErrCorruptImage)
	}
	stateLen := uint32(img.StateLen())
	for i := 0; i < nodes; i++ {
		off := int(words[HeaderWords+i])
		if off+RecordWords > len(words) {
			return Image{}, fmt.Errorf("%w: node %d record offset %d", ErrCorruptImage, i, off)
		}
		nIn, nOut := int(words[off+1]), int(words[off+2])
		if nIn > 16 || nOut > 16 {
			return Image{}, fmt.Errorf("%w: node %d arity %d/%d", ErrCorruptImage, i, nIn, nOut)
		}
		size := RecordWords + nIn + nOut
		if words[off] == gateKind {
			size += (1 << nIn) * (1 << nOut)
		}
		if off+size > len(words) {
			return Image{}, fmt.Errorf("%w: node %d record overruns image", ErrCorruptImage, i)
		}
		for _, slot := range words[off+RecordWords : off+RecordWords+nIn+nOut] {
			if slot >= stateLen {
				return Image{}, fmt.Errorf("%w: node %d slot %d out of range", ErrCorruptImage, i, slot)
			}
		}
		if words[off] != gateKind {
			continue
		}
		cols := 1 << nOut
		table := words[off+RecordWords+nIn+nOut : off+size]
		for row := 0; row < 1<<nIn; row++ {
			if table[(row+1)*cols-1] == 0 {
				return Image{}, fmt.Errorf("%w: node %d row %d has no weight", ErrCorruptImage, i, row)
			}
		}
	}
	return img, nil
}

func (img Image) Words() []uint32 { return img.words }
func (img Image) Inputs() int     { return int(img.words[wordInputs]) }
func (img Image) Outputs() int    { return int(img.words[wordOutputs]) }
func (img Image) Hidden() int     { return int(img.words[wordHidden]) }
func (img Image) Gates() int      { return int(img.words[wordGates]) }
func (img Image) Nodes() int      { return int(img.words[wordNodes]) }
func (img Image) StateLen() int   { return int(img.words[wordStateLen]) }

// Record returns node i. i must be below Nodes().
func (img Image) Record(i int) Record {
	off := int(img.words[HeaderWords+i])
	nIn, nOut := int(img.words[off+1]), int(img.words[off+2])
	start := off + RecordWords
	rec := Record{
		Kind:    img.words[off],
		Inputs:  img.words[start : start+nIn],
		Outputs: img.words[start+nIn : start+nIn+nOut],
	}
	if rec.Kind == gateKind {
		tableStart := start + nIn + nOut
		rec.Table = img.words[tableStart : tableStart+(1<<nIn)*(1<<nOut)]
	}
	return rec
}

// Package pairing builds the deterministic source→target speaker pairing
// table used for evaluation.
//
// Every eligible speaker appears exactly once as a source block holding its
// utterances. The natural target sits half the eligible population further
// along the speaker list. When the natural target lacks same-named
// recordings, a forward scan over the remaining speakers (wrapping around to
// the start of the list) picks the first speaker that has them. If no
// speaker has any, the natural target is kept as a placeholder and every row
// is marked invalid.
//
// The table is built once by [Build] and is read-only afterwards, so a
// [Table] is safe for concurrent use.
package pairing

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// DefaultReservedPrefix marks speakers excluded from evaluation pairing.
const DefaultReservedPrefix = "p"

// Pair is one row of the pairing table.
type Pair struct {
	// Source is the source utterance's feature file.
	Source string

	// SourceWave is the source utterance's waveform file, if waveforms are
	// configured.
	SourceWave string

	// Target is the same-named utterance under the target speaker's
	// directory. When Valid is false the file does not exist and Target is
	// only a placeholder.
	Target string

	// TargetSpeaker is the name of the paired target speaker.
	TargetSpeaker string

	// Valid reports whether Target exists.
	Valid bool
}

// Checker reports whether a feature file exists on the storage backend.
type Checker interface {
	HasFile(ctx context.Context, file string) (bool, error)
}

// Eligibility decides whether a speaker takes part in pairing.
type Eligibility func(speaker string) bool

// ReservedPrefix returns the default eligibility rule: speakers whose name
// contains a period or starts with prefix are excluded.
func ReservedPrefix(prefix string) Eligibility {
	return func(speaker string) bool {
		if strings.Contains(speaker, ".") {
			return false
		}
		return prefix == "" || !strings.HasPrefix(speaker, prefix)
	}
}

// Input is the data the table is built from.
type Input struct {
	// Speakers is the ordered speaker list.
	Speakers []string

	// Files holds the utterance feature files per speaker, parallel to
	// Speakers.
	Files [][]string

	// Waves optionally holds the waveform files per speaker, parallel to
	// Files.
	Waves [][]string

	// Eligible selects the speakers that take part. Default:
	// ReservedPrefix(DefaultReservedPrefix).
	Eligible Eligibility

	// Checker is consulted for targets absent from Files. May be nil.
	Checker Checker
}

// Block summarises the pairing chosen for one source speaker.
type Block struct {
	Source        string
	NaturalTarget string
	Target        string
	Valid         int
	Invalid       int

	// Fallback is true when no candidate had any existing recording and the
	// natural target was kept as a placeholder.
	Fallback bool
}

// Table is the immutable pairing table.
type Table struct {
	pairs  []Pair
	blocks []Block
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.pairs) }

// At returns row i.
func (t *Table) At(i int) Pair { return t.pairs[i] }

// Pairs returns a copy of all rows.
func (t *Table) Pairs() []Pair { return append([]Pair(nil), t.pairs...) }

// Blocks returns one summary per source speaker, in speaker-list order.
func (t *Table) Blocks() []Block { return append([]Block(nil), t.blocks...) }

// Build resolves the pairing table.
func Build(ctx context.Context, in Input) (*Table, error) {
	if len(in.Files) != len(in.Speakers) {
		return nil, fmt.Errorf("pairing: %d speakers but %d file lists", len(in.Speakers), len(in.Files))
	}
	if in.Waves != nil {
		if len(in.Waves) != len(in.Speakers) {
			return nil, fmt.Errorf("pairing: %d speakers but %d wave lists", len(in.Speakers), len(in.Waves))
		}
		for i := range in.Waves {
			if len(in.Waves[i]) != len(in.Files[i]) {
				return nil, fmt.Errorf("pairing: speaker %q has %d feature files but %d wave files",
					in.Speakers[i], len(in.Files[i]), len(in.Waves[i]))
			}
		}
	}
	if in.Eligible == nil {
		in.Eligible = ReservedPrefix(DefaultReservedPrefix)
	}

	r := &resolver{in: in, known: make(map[string]struct{})}
	for _, files := range in.Files {
		for _, f := range files {
			r.known[f] = struct{}{}
		}
	}
	for i, spk := range in.Speakers {
		if in.Eligible(spk) {
			r.eligible = append(r.eligible, i)
		}
	}

	t := &Table{}
	if !r.hasEvaluationData() {
		return t, nil
	}

	n := len(in.Speakers)
	offset := len(r.eligible) / 2
	for _, src := range r.eligible {
		start, ok := r.naturalTarget(src, offset)
		if !ok {
			continue
		}
		rows, err := r.scan(ctx, src, start, n)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			if rows, err = r.scan(ctx, src, 0, start); err != nil {
				return nil, err
			}
		}

		block := Block{Source: in.Speakers[src], NaturalTarget: in.Speakers[start], Target: in.Speakers[start]}
		if rows == nil {
			rows = r.placeholder(src, start)
			block.Fallback = len(rows) > 0
		}
		if len(rows) > 0 {
			block.Target = rows[0].TargetSpeaker
		}
		for _, p := range rows {
			if p.Valid {
				block.Valid++
			} else {
				block.Invalid++
			}
		}
		t.pairs = append(t.pairs, rows...)
		t.blocks = append(t.blocks, block)
	}
	return t, nil
}

type resolver struct {
	in       Input
	known    map[string]struct{}
	eligible []int
}

// hasEvaluationData reports whether pairing is possible at all: at least one
// eligible speaker with utterances, and a second eligible speaker to pair
// with.
func (r *resolver) hasEvaluationData() bool {
	if len(r.eligible) < 2 {
		return false
	}
	for _, i := range r.eligible {
		if len(r.in.Files[i]) > 0 {
			return true
		}
	}
	return false
}

// naturalTarget returns the first eligible speaker other than src at or
// after (src+offset) mod N, wrapping around the list.
func (r *resolver) naturalTarget(src, offset int) (int, bool) {
	n := len(r.in.Speakers)
	start := (src + offset) % n
	for k := range n {
		i := (start + k) % n
		if i != src && r.in.Eligible(r.in.Speakers[i]) {
			return i, true
		}
	}
	return 0, false
}

// scan walks candidate targets in [from, to) and returns the rows of the
// first candidate for which at least one target recording exists, or nil.
//
// Within a candidate, rows are emitted for existing recordings (valid) and,
// once one recording has been found, for the missing ones that follow
// (invalid). Utterances missing before the first hit are not emitted.
func (r *resolver) scan(ctx context.Context, src, from, to int) ([]Pair, error) {
	for trg := from; trg < to; trg++ {
		if trg == src || !r.in.Eligible(r.in.Speakers[trg]) {
			continue
		}
		var (
			rows []Pair
			hit  bool
		)
		for u, file := range r.in.Files[src] {
			target := TargetPath(file, r.in.Speakers[trg])
			ok, err := r.exists(ctx, target)
			if err != nil {
				return nil, err
			}
			if !ok && !hit {
				continue
			}
			hit = true
			rows = append(rows, r.pair(src, u, trg, target, ok))
		}
		if hit {
			return rows, nil
		}
	}
	return nil, nil
}

// placeholder pairs every utterance of src with trg, all invalid.
func (r *resolver) placeholder(src, trg int) []Pair {
	rows := make([]Pair, len(r.in.Files[src]))
	for u, file := range r.in.Files[src] {
		rows[u] = r.pair(src, u, trg, TargetPath(file, r.in.Speakers[trg]), false)
	}
	return rows
}

func (r *resolver) pair(src, u, trg int, target string, valid bool) Pair {
	p := Pair{
		Source:        r.in.Files[src][u],
		Target:        target,
		TargetSpeaker: r.in.Speakers[trg],
		Valid:         valid,
	}
	if r.in.Waves != nil {
		p.SourceWave = r.in.Waves[src][u]
	}
	return p
}

func (r *resolver) exists(ctx context.Context, file string) (bool, error) {
	if _, ok := r.known[file]; ok {
		return true, nil
	}
	if r.in.Checker == nil {
		return false, nil
	}
	ok, err := r.in.Checker.HasFile(ctx, file)
	if err != nil {
		return false, fmt.Errorf("pairing: check %q: %w", file, err)
	}
	return ok, nil
}

// TargetPath maps a source utterance ".../<src>/<utt>" to the same-named
// utterance of speaker: ".../<speaker>/<utt>". Everything before the speaker
// directory is kept byte for byte so the result matches list entries and
// store keys written the same way.
func TargetPath(file, speaker string) string {
	i := strings.LastIndexByte(file, '/')
	if i < 0 {
		return speaker + "/" + file
	}
	parent := file[:strings.LastIndexByte(file[:i], '/')+1]
	return parent + speaker + file[i:]
}

// SpeakerOf returns the speaker directory of an utterance path.
func SpeakerOf(file string) string {
	return path.Base(path.Dir(file))
}

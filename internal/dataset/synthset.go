package dataset

import (
	"bufio"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/rawblock/synth-engine/internal/errs"
	"github.com/rawblock/synth-engine/pkg/models"
)

// SynthSet is the generator output loaded back for extraction: parallel
// slices of seeds, synthetic candidates, and plausible-seed counts.
type SynthSet struct {
	Seeds    []*models.Record
	Synths   []*models.Record
	PSCounts []uint64
}

// LoadSynthSet parses a generator output file. Lines that fail to parse
// are logged and skipped; the extractor should not lose a whole run to a
// single bad line.
func LoadSynthSet(fp string, attrs int) (*SynthSet, error) {
	f, err := os.Open(fp)
	if err != nil {
		return nil, errs.IOWrap(err, "failed to open file %s", fp)
	}
	defer f.Close()

	s := &SynthSet{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.ReplaceAll(sc.Text(), " ", "")
		if line == "" {
			continue
		}
		seed, synth, psc, ok := parseSynthLine(line, attrs)
		if !ok {
			log.Printf("Couldn't parse line %d of file %s, skipping.", lineNo, fp)
			continue
		}
		s.Seeds = append(s.Seeds, seed)
		s.Synths = append(s.Synths, synth)
		s.PSCounts = append(s.PSCounts, psc)
	}
	if err := sc.Err(); err != nil {
		return nil, errs.IOWrap(err, "failed to read file %s", fp)
	}
	return s, nil
}

// Size returns the number of loaded candidates.
func (s *SynthSet) Size() int { return len(s.Synths) }

// parseSynthLine parses one semicolon-separated triple:
// "seedIdx,fakeIdx,gamma,ecIdx,density,psCount;seedValues;fakeValues".
func parseSynthLine(line string, attrs int) (seed, synth *models.Record, psc uint64, ok bool) {
	parts := strings.Split(line, ";")
	if len(parts) != 3 {
		return nil, nil, 0, false
	}

	meta := strings.Split(parts[0], ",")
	if len(meta) != 6 {
		return nil, nil, 0, false
	}
	nums := make([]float64, 6)
	for i, f := range meta {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, nil, 0, false
		}
		nums[i] = v
	}

	seedVals, okSeed := parseValues(parts[1], attrs)
	synthVals, okSynth := parseValues(parts[2], attrs)
	if !okSeed || !okSynth {
		return nil, nil, 0, false
	}

	seed = models.NewRecord(attrs, 0)
	seed.Idx = uint64(nums[0])
	copy(seed.Vals, seedVals)

	synth = models.NewRecord(attrs, 0)
	synth.Idx = uint64(nums[1])
	copy(synth.Vals, synthVals)

	return seed, synth, uint64(nums[5]), true
}

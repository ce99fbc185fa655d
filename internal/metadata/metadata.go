// Package metadata loads and serves the per-attribute descriptors the
// generative models condition on: attribute names and domains, the
// best-feature sets (dependency DAG parents), the global imputation
// order, and the value groupings (bucketization).
package metadata

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rawblock/synth-engine/internal/errs"
	"github.com/rawblock/synth-engine/pkg/models"
)

// Input file suffixes relative to the data prefix.
const (
	AttrsSuffix = "_attrs.csv"
	BFSSuffix   = "_dag.csv"
	OrderSuffix = "_order.csv"
	GrpsSuffix  = "_grps.csv"

	RecordsSuffix = "_records.csv"
	StatsSuffix   = "_stats.csv"
)

// AttrMeta describes one attribute.
type AttrMeta struct {
	Idx    uint16
	Name   string
	Vals   uint16
	Labels []string
}

// BFS is the best-feature set of an attribute: the parents it is
// conditioned on, plus the merit score from the structure search.
type BFS struct {
	Merit   float64
	AttrIdx []uint16
}

// Grouping is the bucketization of one attribute's domain. IV maps each
// value to its group; Groups maps each group to its sorted member values.
type Grouping struct {
	Idx    uint16
	Groups map[uint16][]uint16
	IV     []uint16
}

// BudgetMeta names a privacy budget and its epsilon.
type BudgetMeta struct {
	Name string
	WEps float64
}

// Metadata is immutable after Load.
type Metadata struct {
	attrs   []AttrMeta
	bfs     []BFS
	order   []uint16
	grps    []Grouping
	budgets map[string]BudgetMeta
}

// Load reads the four metadata CSVs under dataPath and registers the
// "stats" privacy budget with the given epsilon.
func Load(dataPath string, budget float64, verbose bool) (*Metadata, error) {
	m := &Metadata{budgets: make(map[string]BudgetMeta)}
	if verbose {
		log.Printf("Initializing metadata (dataPath: %s)...", dataPath)
	}

	if err := m.loadAttrs(dataPath+AttrsSuffix, verbose); err != nil {
		return nil, err
	}
	attrCount := len(m.attrs)

	if err := m.loadBFS(dataPath+BFSSuffix, attrCount, verbose); err != nil {
		return nil, err
	}
	if err := m.loadOrder(dataPath+OrderSuffix, attrCount, verbose); err != nil {
		return nil, err
	}
	if err := m.loadGrps(dataPath+GrpsSuffix, attrCount); err != nil {
		return nil, err
	}

	m.budgets["stats"] = BudgetMeta{Name: "stats", WEps: budget}

	if len(m.bfs) != attrCount || len(m.grps) != attrCount || len(m.order) != attrCount {
		return nil, errs.IOf("metadata files disagree on the attribute count")
	}

	if verbose {
		log.Printf("Done with metadata (%d attributes -- order: %v).", attrCount, m.order)
	}
	return m, nil
}

func (m *Metadata) loadAttrs(fp string, verbose bool) error {
	if verbose {
		log.Printf("Reading %s...", fp)
	}
	return readLines(fp, func(idx int, fields []string) error {
		if len(fields) < 2 {
			return errs.IOf("%s line %d: attribute needs a name and at least one value", fp, idx)
		}
		if len(fields)-1 > int(models.MaxValue) {
			return errs.IOf("%s line %d: domain too large", fp, idx)
		}
		am := AttrMeta{
			Idx:  uint16(idx),
			Name: fields[0],
			Vals: uint16(len(fields) - 1),
		}
		am.Labels = append(am.Labels, fields[1:]...)
		m.attrs = append(m.attrs, am)
		return nil
	})
}

func (m *Metadata) loadBFS(fp string, attrCount int, verbose bool) error {
	if verbose {
		log.Printf("Reading %s...", fp)
	}
	return readLines(fp, func(idx int, fields []string) error {
		if idx >= attrCount {
			return errs.IOf("%s: more lines than attributes", fp)
		}
		var v BFS
		for i, f := range fields {
			val, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return errs.IOWrap(err, "%s line %d", fp, idx)
			}
			if i < len(fields)-1 {
				aidx := int(val) - 1
				if aidx < 0 || aidx >= attrCount {
					return errs.IOf("%s line %d: parent index out of range", fp, idx)
				}
				v.AttrIdx = append(v.AttrIdx, uint16(aidx))
			} else {
				v.Merit = val
			}
		}
		m.bfs = append(m.bfs, v)
		if verbose {
			log.Printf("Added bfs for attr %d, merit: %v, fs: %v", idx, v.Merit, v.AttrIdx)
			if len(fields) == 1 {
				log.Printf("Attribute %d has an empty parent/best feature set", idx)
			}
		}
		return nil
	})
}

func (m *Metadata) loadOrder(fp string, attrCount int, verbose bool) error {
	if verbose {
		log.Printf("Reading %s...", fp)
	}
	m.order = make([]uint16, attrCount)
	for i := range m.order {
		m.order[i] = models.InvalidValue
	}
	seen := 0
	err := readLines(fp, func(idx int, fields []string) error {
		if len(fields) != 1 || idx >= attrCount {
			return errs.IOf("%s line %d: expected a single 1-based position", fp, idx)
		}
		pos, err := strconv.Atoi(fields[0])
		if err != nil || pos < 1 || pos > attrCount {
			return errs.IOf("%s line %d: invalid position %q", fp, idx, fields[0])
		}
		// Line idx holds attribute idx's position: order[pos-1] = idx.
		if m.order[pos-1] != models.InvalidValue {
			return errs.IOf("%s: duplicate order position %d", fp, pos)
		}
		m.order[pos-1] = uint16(idx)
		seen++
		if verbose {
			log.Printf("Order for attr %d -> %d", idx, pos-1)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if seen != attrCount {
		return errs.IOf("%s: inconsistent order with number of attributes", fp)
	}
	return nil
}

func (m *Metadata) loadGrps(fp string, attrCount int) error {
	return readLines(fp, func(idx int, fields []string) error {
		if idx >= attrCount {
			return errs.IOf("%s: more lines than attributes", fp)
		}
		if len(fields) != int(m.attrs[idx].Vals) {
			return errs.IOf("%s line %d: expected %d group entries, got %d", fp, idx, m.attrs[idx].Vals, len(fields))
		}
		g := Grouping{Idx: uint16(idx), Groups: make(map[uint16][]uint16)}
		for i, f := range fields {
			grp, err := strconv.Atoi(f)
			if err != nil || grp < 1 {
				return errs.IOf("%s line %d: invalid group index %q", fp, idx, f)
			}
			grpIdx := uint16(grp - 1)
			g.Groups[grpIdx] = append(g.Groups[grpIdx], uint16(i))
			g.IV = append(g.IV, grpIdx)
		}
		for _, members := range g.Groups {
			sort.Slice(members, func(a, b int) bool { return members[a] < members[b] })
		}
		m.grps = append(m.grps, g)
		return nil
	})
}

// AttrCount returns the number of attributes.
func (m *Metadata) AttrCount() int { return len(m.attrs) }

// Attr returns the descriptor of attribute idx.
func (m *Metadata) Attr(idx uint16) *AttrMeta {
	if int(idx) >= len(m.attrs) {
		panic(fmt.Sprintf("metadata: attribute %d out of range", idx))
	}
	return &m.attrs[idx]
}

// BFSFor returns the best-feature set of attribute idx.
func (m *Metadata) BFSFor(idx uint16) *BFS {
	if int(idx) >= len(m.bfs) {
		panic(fmt.Sprintf("metadata: bfs %d out of range", idx))
	}
	return &m.bfs[idx]
}

// GroupingFor returns the value grouping of attribute idx.
func (m *Metadata) GroupingFor(idx uint16) *Grouping {
	if int(idx) >= len(m.grps) {
		panic(fmt.Sprintf("metadata: grouping %d out of range", idx))
	}
	return &m.grps[idx]
}

// Order returns a copy of the global imputation order: Order()[p] is the
// attribute imputed at position p.
func (m *Metadata) Order() []uint16 {
	out := make([]uint16, len(m.order))
	copy(out, m.order)
	return out
}

// Budget returns the named privacy budget.
func (m *Metadata) Budget(name string) BudgetMeta {
	bm, ok := m.budgets[name]
	if !ok {
		panic("metadata: unknown budget " + name)
	}
	return bm
}

// HeaderLine renders the attribute names as the CSV header for outputs.
func (m *Metadata) HeaderLine() string {
	names := make([]string, len(m.attrs))
	for i, a := range m.attrs {
		names[i] = a.Name
	}
	return strings.Join(names, ", ")
}

// readLines parses fp line by line, splitting on commas and trimming
// whitespace, and hands each non-empty line to fn.
func readLines(fp string, fn func(idx int, fields []string) error) error {
	f, err := os.Open(fp)
	if err != nil {
		return errs.IOWrap(err, "failed to open file %s", fp)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	idx := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if err := fn(idx, fields); err != nil {
			return err
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		return errs.IOWrap(err, "failed to read file %s", fp)
	}
	return nil
}

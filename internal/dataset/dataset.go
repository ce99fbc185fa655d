// Package dataset holds the in-memory record stores and their compact
// on-disk cache. Records are fixed-width categorical vectors; the cache
// is a binary dump (record count, row-major values, trailing checksum)
// that skips CSV reparsing on subsequent runs.
package dataset

import (
	"bufio"
	"encoding/binary"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rawblock/synth-engine/internal/errs"
	"github.com/rawblock/synth-engine/internal/metadata"
	"github.com/rawblock/synth-engine/internal/rng"
	"github.com/rawblock/synth-engine/pkg/models"
)

// Matrix is a flat row-major view over record values. The count loop of
// the generative model is hot, so the values stay in one contiguous
// buffer.
type Matrix struct {
	vals []uint16
	rows int
	cols int
}

// NewMatrix packs recs into a matrix of the given width.
func NewMatrix(recs []*models.Record, cols int) *Matrix {
	m := &Matrix{vals: make([]uint16, len(recs)*cols), rows: len(recs), cols: cols}
	for i, r := range recs {
		if len(r.Vals) != cols {
			panic("dataset: record width mismatch")
		}
		copy(m.vals[i*cols:(i+1)*cols], r.Vals)
	}
	for _, v := range m.vals {
		if v == models.InvalidValue || v > models.MaxValue {
			panic("dataset: matrix holds an invalid value")
		}
	}
	return m
}

// Rows returns the number of records.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of attributes.
func (m *Matrix) Cols() int { return m.cols }

// At returns the value of attribute j in record i.
func (m *Matrix) At(i, j int) uint16 { return m.vals[i*m.cols+j] }

// Dataset is the pair of record stores the engine runs on: the training
// records (seed pool) and the stats records (model sufficient
// statistics), each cached under the working directory.
type Dataset struct {
	recordsFP string
	statsFP   string
	cacheRec  string
	cacheStat string
	attrs     int

	Records []*models.Record
	Stats   []*models.Record
}

// New describes a dataset rooted at the data prefix, cached under
// workdir.
func New(dataPrefix, workdir string, attrs int) *Dataset {
	return &Dataset{
		recordsFP: dataPrefix + metadata.RecordsSuffix,
		statsFP:   dataPrefix + metadata.StatsSuffix,
		cacheRec:  filepath.Join(workdir, "records.dat"),
		cacheStat: filepath.Join(workdir, "stats.dat"),
		attrs:     attrs,
	}
}

// OnDisk reports whether both cache files exist.
func (d *Dataset) OnDisk() bool {
	return fileExists(d.cacheRec) && fileExists(d.cacheStat)
}

// Initialize loads the cache when present, otherwise parses the CSVs and
// writes the cache. Returns whether the cache already existed.
func (d *Dataset) Initialize() (bool, error) {
	if d.OnDisk() {
		log.Println("Loading data...")
		if err := d.Load(); err != nil {
			return true, err
		}
		log.Println("Done.")
		return true, nil
	}
	log.Println("Creating and storing data...")
	if err := d.Create(); err != nil {
		return false, err
	}
	if err := d.Store(); err != nil {
		return false, err
	}
	log.Println("Done.")
	return false, nil
}

// Create parses both CSV files into memory.
func (d *Dataset) Create() error {
	log.Printf("Reading dataset from %s...", d.recordsFP)
	recs, err := d.readCSV(d.recordsFP)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return errs.IOf("parsing file %s returned an empty dataset", d.recordsFP)
	}
	d.Records = recs

	log.Printf("Reading stats from %s...", d.statsFP)
	stats, err := d.readCSV(d.statsFP)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		return errs.IOf("parsing file %s returned an empty stats dataset", d.statsFP)
	}
	d.Stats = stats

	log.Println("Done.")
	return nil
}

// Store writes both caches.
func (d *Dataset) Store() error {
	if err := storeCache(d.cacheRec, d.Records, d.attrs); err != nil {
		return err
	}
	return storeCache(d.cacheStat, d.Stats, d.attrs)
}

// Load reads both caches, verifying their checksums.
func (d *Dataset) Load() error {
	recs, err := loadCache(d.cacheRec, d.attrs)
	if err != nil {
		return err
	}
	d.Records = recs
	stats, err := loadCache(d.cacheStat, d.attrs)
	if err != nil {
		return err
	}
	d.Stats = stats
	return nil
}

// readCSV parses one record per line, attrs comma-separated 1-based
// values. A leading header row (any non-numeric field) is skipped.
func (d *Dataset) readCSV(fp string) ([]*models.Record, error) {
	f, err := os.Open(fp)
	if err != nil {
		return nil, errs.IOWrap(err, "failed to open file %s", fp)
	}
	defer f.Close()

	var out []*models.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		vals, ok := parseValues(line, d.attrs)
		if !ok {
			if first {
				first = false
				continue // optional header row
			}
			return nil, errs.IOf("failed to parse file %s at record %d", fp, len(out))
		}
		first = false

		r := models.NewRecord(d.attrs, 0)
		r.Idx = uint64(len(out))
		copy(r.Vals, vals)
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, errs.IOWrap(err, "failed to read file %s", fp)
	}
	return out, nil
}

// parseValues converts a comma-separated list of 1-based values into
// zero-based domain indices.
func parseValues(line string, attrs int) ([]uint16, bool) {
	fields := strings.Split(line, ",")
	if len(fields) != attrs {
		return nil, false
	}
	vals := make([]uint16, attrs)
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || v < 1 || v > int(models.MaxValue) {
			return nil, false
		}
		vals[i] = uint16(v - 1)
	}
	return vals, true
}

// Cache layout: u32 little-endian record count, then count*attrs u16
// values in row-major order, then the u64 checksum of the value bytes.
func storeCache(fp string, recs []*models.Record, attrs int) error {
	buf := make([]byte, 2*len(recs)*attrs)
	for i, r := range recs {
		for j, v := range r.Vals {
			if v == models.InvalidValue || v > models.MaxValue {
				panic("dataset: storing an invalid value")
			}
			binary.LittleEndian.PutUint16(buf[2*(i*attrs+j):], v)
		}
	}
	sum := rng.HashBytes(buf)
	log.Printf("Storing dataset %s with checksum: 0x%016x", fp, sum)

	f, err := os.Create(fp)
	if err != nil {
		return errs.IOWrap(err, "failed to create cache file %s", fp)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var head [4]byte
	binary.LittleEndian.PutUint32(head[:], uint32(len(recs)))
	if _, err := w.Write(head[:]); err != nil {
		return errs.IOWrap(err, "short write to %s", fp)
	}
	if _, err := w.Write(buf); err != nil {
		return errs.IOWrap(err, "short write to %s", fp)
	}
	var tail [8]byte
	binary.LittleEndian.PutUint64(tail[:], sum)
	if _, err := w.Write(tail[:]); err != nil {
		return errs.IOWrap(err, "short write to %s", fp)
	}
	if err := w.Flush(); err != nil {
		return errs.IOWrap(err, "short write to %s", fp)
	}
	return nil
}

func loadCache(fp string, attrs int) ([]*models.Record, error) {
	log.Printf("Loading pre-processed dataset from %s...", fp)
	raw, err := os.ReadFile(fp)
	if err != nil {
		return nil, errs.IOWrap(err, "failed to open cache file %s", fp)
	}
	if len(raw) < 12 {
		return nil, errs.IOf("cache file %s is truncated", fp)
	}
	count := int(binary.LittleEndian.Uint32(raw[:4]))
	body := raw[4 : len(raw)-8]
	if len(body) != 2*count*attrs {
		return nil, errs.IOf("cache file %s has %d value bytes, expected %d", fp, len(body), 2*count*attrs)
	}
	stored := binary.LittleEndian.Uint64(raw[len(raw)-8:])
	if sum := rng.HashBytes(body); sum != stored {
		return nil, errs.IOf("cache file %s checksum mismatch (stored 0x%016x, computed 0x%016x)", fp, stored, sum)
	}
	log.Printf("Loaded dataset %s with checksum: 0x%016x", fp, stored)

	out := make([]*models.Record, 0, count)
	for i := 0; i < count; i++ {
		r := models.NewRecord(attrs, 0)
		r.Idx = uint64(i)
		for j := 0; j < attrs; j++ {
			v := binary.LittleEndian.Uint16(body[2*(i*attrs+j):])
			if v == models.InvalidValue || v > models.MaxValue {
				return nil, errs.IOf("cache file %s holds an invalid value at record %d", fp, i)
			}
			r.Vals[j] = v
		}
		out = append(out, r)
	}
	log.Println("Done.")
	return out, nil
}

func fileExists(fp string) bool {
	st, err := os.Stat(fp)
	return err == nil && !st.IsDir()
}

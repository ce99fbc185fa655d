package synth

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rawblock/synth-engine/internal/errs"
	"github.com/rawblock/synth-engine/pkg/models"
)

// FileOutputter appends generator output lines to <dir>/<pid>.out. Each
// line is a semicolon-separated triple: the synthesis properties, the
// seed values, and the fake values.
type FileOutputter struct {
	fp string
	f  *os.File
	w  *bufio.Writer
}

// NewFileOutputter creates (truncating) the output file for this run.
func NewFileOutputter(dir string, pid int) (*FileOutputter, error) {
	fp := filepath.Join(dir, fmt.Sprintf("%d.out", pid))
	f, err := os.Create(fp)
	if err != nil {
		return nil, errs.IOWrap(err, "cannot create generator output %s", fp)
	}
	return &FileOutputter{fp: fp, f: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the output file path.
func (o *FileOutputter) Path() string { return o.fp }

// Output writes one candidate with its seed.
func (o *FileOutputter) Output(seed, fake *models.Record) error {
	props := fake.Props
	line := fmt.Sprintf("%d, %d, %s, %d, %s, %d;%s;%s\n",
		fake.SeedIdx, fake.Idx,
		strconv.FormatFloat(props.Gamma, 'g', -1, 64),
		props.ECIdx,
		strconv.FormatFloat(props.PSF, 'g', -1, 64),
		int64(props.PSCount),
		seed.Desc(), fake.Desc())
	if _, err := o.w.WriteString(line); err != nil {
		return errs.IOWrap(err, "short write to %s", o.fp)
	}
	return nil
}

// Close flushes and closes the output file.
func (o *FileOutputter) Close() error {
	if err := o.w.Flush(); err != nil {
		o.f.Close()
		return errs.IOWrap(err, "short write to %s", o.fp)
	}
	if err := o.f.Close(); err != nil {
		return errs.IOWrap(err, "cannot close %s", o.fp)
	}
	return nil
}

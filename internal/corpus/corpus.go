// Package corpus reads and appends labelled training examples stored as flat
// whitespace-separated numeric text: steer, power, then the feature columns.
package corpus

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/fsutil"
)

// LabelColumns is the number of leading label columns on every row.
const LabelColumns = 2

var (
	// ErrCorpusParse is wrapped by every ParseError.
	ErrCorpusParse = errors.New("corpus parse error")
	// ErrWidthMismatch is returned when appending a row whose column count
	// differs from the rows already in the file.
	ErrWidthMismatch = errors.New("corpus column count mismatch")
)

// Example is one labelled training row.
type Example struct {
	Label    action.Label
	Features []float64
}

// ParseError reports the first malformed row of a corpus file.
type ParseError struct {
	Path string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrCorpusParse }

// DefaultFilename returns the conventional corpus name for the camera setting.
func DefaultFilename(useCamera bool) string {
	if useCamera {
		return "Training_splrcbxyzvCam.txt"
	}
	return "Training_splrcbxyzv.txt"
}

// Root strips the extension from a corpus path. Model bundles are keyed by it.
func Root(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// ReadAll parses every row of the corpus at path. A single malformed row
// aborts the read; rows are never silently dropped. Blank lines and lines
// starting with '#' are skipped.
func ReadAll(fsys fsutil.FileSystem, path string) ([]Example, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", path, err)
	}

	var (
		examples []Example
		width    int
		lineNo   int
	)
	scan := bufio.NewScanner(bytes.NewReader(data))
	scan.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scan.Scan() {
		lineNo++
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if width == 0 {
			if len(fields) <= LabelColumns {
				return nil, &ParseError{Path: path, Line: lineNo,
					Msg: fmt.Sprintf("need at least %d columns, got %d", LabelColumns+1, len(fields))}
			}
			width = len(fields)
		} else if len(fields) != width {
			return nil, &ParseError{Path: path, Line: lineNo,
				Msg: fmt.Sprintf("got %d columns, want %d", len(fields), width)}
		}

		ex, err := parseRow(fields)
		if err != nil {
			return nil, &ParseError{Path: path, Line: lineNo, Msg: err.Error()}
		}
		examples = append(examples, ex)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("scan corpus %s: %w", path, err)
	}
	return examples, nil
}

func parseRow(fields []string) (Example, error) {
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Example{}, fmt.Errorf("column %d: non-numeric value %q", i+1, f)
		}
		values[i] = v
	}
	steer, power := values[0], values[1]
	if steer != math.Trunc(steer) || power != math.Trunc(power) {
		return Example{}, fmt.Errorf("label (%v,%v) is not integral", steer, power)
	}
	return Example{
		Label:    action.Label{Steer: int(steer), Power: int(power)},
		Features: values[LabelColumns:],
	}, nil
}

// Split separates examples into labels and feature rows.
func Split(examples []Example) ([]action.Label, [][]float64) {
	labels := make([]action.Label, len(examples))
	rows := make([][]float64, len(examples))
	for i, ex := range examples {
		labels[i] = ex.Label
		rows[i] = ex.Features
	}
	return labels, rows
}

// FormatLine renders an example as one corpus line including the newline.
// Features use the shortest representation that parses back exactly.
func FormatLine(ex Example) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(ex.Label.Steer))
	b.WriteByte('\t')
	b.WriteString(strconv.Itoa(ex.Label.Power))
	for _, v := range ex.Features {
		b.WriteByte('\t')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteByte('\n')
	return b.String()
}

// Writer appends examples to a corpus file. Each Append opens, writes and
// closes the file, so other processes may append between calls.
type Writer struct {
	fs   fsutil.FileSystem
	path string

	mu    sync.Mutex
	width int
}

// NewWriter returns a Writer appending to path.
func NewWriter(fsys fsutil.FileSystem, path string) *Writer {
	return &Writer{fs: fsys, path: path}
}

// Path returns the corpus file the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one example. The first append learns the width of any
// existing rows; every later row must match it.
func (w *Writer) Append(ex Example) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	width := LabelColumns + len(ex.Features)
	if w.width == 0 {
		existing, err := w.existingWidth()
		if err != nil {
			return err
		}
		w.width = existing
	}
	if w.width != 0 && w.width != width {
		return fmt.Errorf("%w: %s has %d columns, example has %d",
			ErrWidthMismatch, w.path, w.width, width)
	}

	f, err := w.fs.OpenAppend(w.path)
	if err != nil {
		return fmt.Errorf("open corpus %s: %w", w.path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close corpus %s: %w", w.path, cerr)
		}
	}()

	if _, err := f.Write([]byte(FormatLine(ex))); err != nil {
		return fmt.Errorf("append corpus %s: %w", w.path, err)
	}
	w.width = width
	return nil
}

// existingWidth returns the column count of the first data row, or 0 when
// the file is missing or holds no rows.
func (w *Writer) existingWidth() (int, error) {
	if !w.fs.Exists(w.path) {
		return 0, nil
	}
	data, err := w.fs.ReadFile(w.path)
	if err != nil {
		return 0, fmt.Errorf("read corpus %s: %w", w.path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return len(strings.Fields(line)), nil
	}
	return 0, nil
}

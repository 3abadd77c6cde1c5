// Package status maintains the two one-word files shared with the manual
// control front end: steerStatus.txt and powerStatus.txt.
package status

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/fsutil"
)

const (
	SteerFile = "steerStatus.txt"
	PowerFile = "powerStatus.txt"
)

// ErrUnknownWord is returned by Read when a status file holds an unexpected word.
var ErrUnknownWord = errors.New("unknown status word")

var (
	steerWords = map[int]string{-1: "LEFT", 0: "ZERO", 1: "RIGHT"}
	powerWords = map[int]string{-1: "DOWN", 0: "STOP", 1: "UP"}
)

// SteerWord returns the status word for a steer value.
func SteerWord(v int) string { return steerWords[v] }

// PowerWord returns the status word for a power value.
func PowerWord(v int) string { return powerWords[v] }

// Surface writes and reads the status files in one directory. Each write
// replaces the whole file, so readers never observe a partial word.
type Surface struct {
	fs  fsutil.FileSystem
	dir string
}

// NewSurface returns a surface for the status files in dir.
func NewSurface(fsys fsutil.FileSystem, dir string) *Surface {
	if dir == "" {
		dir = "."
	}
	return &Surface{fs: fsys, dir: dir}
}

// SteerPath returns the steer status file path.
func (s *Surface) SteerPath() string { return filepath.Join(s.dir, SteerFile) }

// PowerPath returns the power status file path.
func (s *Surface) PowerPath() string { return filepath.Join(s.dir, PowerFile) }

// WriteSteer replaces the steer status word.
func (s *Surface) WriteSteer(v int) error {
	word, ok := steerWords[v]
	if !ok {
		return fmt.Errorf("%w: steer %d", action.ErrInvalidLabel, v)
	}
	return s.write(s.SteerPath(), word)
}

// WritePower replaces the power status word.
func (s *Surface) WritePower(v int) error {
	word, ok := powerWords[v]
	if !ok {
		return fmt.Errorf("%w: power %d", action.ErrInvalidLabel, v)
	}
	return s.write(s.PowerPath(), word)
}

// Write records both axes of l.
func (s *Surface) Write(l action.Label) error {
	return errors.Join(s.WriteSteer(l.Steer), s.WritePower(l.Power))
}

// WriteNeutral records ZERO and STOP.
func (s *Surface) WriteNeutral() error {
	return s.Write(action.Neutral)
}

func (s *Surface) write(path, word string) error {
	if err := fsutil.WriteFileAtomic(s.fs, path, []byte(word), 0644); err != nil {
		return fmt.Errorf("write status %s: %w", path, err)
	}
	return nil
}

// Read returns the label currently recorded in the status files.
func (s *Surface) Read() (action.Label, error) {
	steer, err := s.read(s.SteerPath(), steerWords)
	if err != nil {
		return action.Neutral, err
	}
	power, err := s.read(s.PowerPath(), powerWords)
	if err != nil {
		return action.Neutral, err
	}
	return action.Label{Steer: steer, Power: power}, nil
}

func (s *Surface) read(path string, words map[int]string) (int, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read status %s: %w", path, err)
	}
	word := strings.TrimSpace(string(data))
	if i := strings.IndexByte(word, '\n'); i >= 0 {
		word = strings.TrimSpace(word[:i])
	}
	for v, w := range words {
		if w == word {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w %q in %s", ErrUnknownWord, word, path)
}

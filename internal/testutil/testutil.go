// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/corpus"
	"github.com/banshee-data/autopilot/internal/fsutil"
	"github.com/banshee-data/autopilot/internal/monitoring"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// BaseReading is a plausible sensor feature vector: four ranges, three
// accelerometer axes and the battery voltage.
var BaseReading = []float64{116, 117, 111, 158, 0.224, 0.108, 1.004, 1.5}

// ClassCorpus returns one example per action class. Every row shares
// BaseReading and carries a one-hot marker for its class index, so the
// labels are perfectly separable.
func ClassCorpus() []corpus.Example {
	classes := action.Classes()
	examples := make([]corpus.Example, len(classes))
	for i, c := range classes {
		examples[i] = corpus.Example{Label: c, Features: ClassFeatures(i)}
	}
	return examples
}

// ClassFeatures returns the ClassCorpus feature row for class index i.
func ClassFeatures(i int) []float64 {
	f := append([]float64(nil), BaseReading...)
	for j := 0; j < action.NumClasses; j++ {
		if j == i {
			f = append(f, 1)
		} else {
			f = append(f, 0)
		}
	}
	return f
}

// WriteCorpus appends examples to the corpus file at path.
func WriteCorpus(t testing.TB, fsys fsutil.FileSystem, path string, examples []corpus.Example) {
	t.Helper()
	w := corpus.NewWriter(fsys, path)
	for _, ex := range examples {
		if err := w.Append(ex); err != nil {
			t.Fatalf("write corpus %s: %v", path, err)
		}
	}
}

// LogCapture records everything logged through monitoring.Logf.
type LogCapture struct {
	mu    sync.Mutex
	lines []string
}

// CaptureLogs redirects monitoring.Logf into a LogCapture until the test ends.
func CaptureLogs(t testing.TB) *LogCapture {
	t.Helper()
	c := &LogCapture{}
	prev := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		c.mu.Lock()
		c.lines = append(c.lines, fmt.Sprintf(format, v...))
		c.mu.Unlock()
	})
	t.Cleanup(func() { monitoring.Logf = prev })
	return c
}

// SilenceLogs mutes monitoring.Logf until the test ends.
func SilenceLogs(t testing.TB) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = prev })
}

// Lines returns a copy of the captured lines.
func (c *LogCapture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// Contains reports whether any captured line contains substr.
func (c *LogCapture) Contains(substr string) bool {
	for _, l := range c.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

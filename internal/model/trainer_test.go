package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/corpus"
	"github.com/banshee-data/autopilot/internal/features"
	"github.com/banshee-data/autopilot/internal/fsutil"
	"github.com/banshee-data/autopilot/internal/testutil"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

const corpusPath = "/car/Training_splrcbxyzv.txt"

// linearOptions trains a network without hidden layers with adam, which
// makes the classifier a convex softmax regression.
func linearOptions(mode Mode) Options {
	o := DefaultOptions()
	o.Mode = mode
	o.Hidden = nil
	o.Solver = SolverAdam
	o.LearningRate = 0.05
	o.MaxIter = 3000
	o.Tol = 0
	return o
}

func quickOptions() Options {
	o := DefaultOptions()
	o.Solver = SolverAdam
	o.MaxIter = 5
	return o
}

func TestTrain_ClassifierRecoversEveryLabel(t *testing.T) {
	tr := NewTrainer(fsutil.NewMemoryFileSystem(), nil, linearOptions(ModeClassifier))

	b, err := tr.Train(testutil.ClassCorpus(), ModeClassifier)
	require.NoError(t, err)
	require.NoError(t, b.Validate())

	for i, want := range action.Classes() {
		probs, err := b.Infer(testutil.ClassFeatures(i))
		require.NoError(t, err)
		idx := floats.MaxIdx(probs)
		got, err := action.Decode(idx)
		require.NoError(t, err)
		assert.Equal(t, want, got, "class %d", i)
		assert.GreaterOrEqual(t, probs[idx], 0.95, "class %d probability", i)
	}
}

func TestTrain_DefaultOptionsFitClassCorpus(t *testing.T) {
	opts := DefaultOptions()
	require.Equal(t, SolverLBFGS, opts.Solver)
	tr := NewTrainer(fsutil.NewMemoryFileSystem(), nil, opts)

	res, err := tr.Fit(testutil.ClassCorpus(), ModeClassifier)
	require.NoError(t, err)
	assert.Equal(t, []int{17, 10, 9}, res.Bundle.Network.Sizes())
	assert.LessOrEqual(t, res.Bundle.Iterations, opts.MaxIter)
	assert.Len(t, res.History, res.Bundle.Iterations)
	assert.Less(t, res.Bundle.Loss, 0.1)

	for i, want := range action.Classes() {
		probs, err := res.Bundle.Infer(testutil.ClassFeatures(i))
		require.NoError(t, err)
		idx := floats.MaxIdx(probs)
		got, err := action.Decode(idx)
		require.NoError(t, err)
		assert.Equal(t, want, got, "class %d", i)
		assert.GreaterOrEqual(t, probs[idx], 0.9, "class %d probability", i)
	}
}

func TestTrain_ClassifierWithHiddenLayer(t *testing.T) {
	opts := DefaultOptions()
	opts.Hidden = []int{32}
	opts.Solver = SolverAdam
	opts.LearningRate = 0.01
	opts.MaxIter = 2000
	opts.Tol = 0
	tr := NewTrainer(fsutil.NewMemoryFileSystem(), nil, opts)

	res, err := tr.Fit(testutil.ClassCorpus(), ModeClassifier)
	require.NoError(t, err)
	assert.Less(t, res.History[len(res.History)-1], res.History[0])
	assert.Equal(t, []int{17, 32, 9}, res.Bundle.Network.Sizes())

	for i, want := range action.Classes() {
		probs, err := res.Bundle.Infer(testutil.ClassFeatures(i))
		require.NoError(t, err)
		got, err := action.Decode(floats.MaxIdx(probs))
		require.NoError(t, err)
		assert.Equal(t, want, got, "class %d", i)
	}
}

func TestTrain_Regressor(t *testing.T) {
	opts := linearOptions(ModeRegressor)
	opts.LearningRate = 0.02
	tr := NewTrainer(fsutil.NewMemoryFileSystem(), nil, opts)

	b, err := tr.Train(testutil.ClassCorpus(), ModeRegressor)
	require.NoError(t, err)
	assert.Equal(t, ModeRegressor, b.Mode)
	assert.Empty(t, b.Classes)
	assert.Equal(t, 2, b.Network.OutputDim())

	for i, want := range action.Classes() {
		out, err := b.Infer(testutil.ClassFeatures(i))
		require.NoError(t, err)
		assert.InDelta(t, float64(want.Steer), out[0], 0.15, "class %d steer", i)
		assert.InDelta(t, float64(want.Power), out[1], 0.15, "class %d power", i)
	}
}

func TestTrain_InvalidLabelAborts(t *testing.T) {
	tr := NewTrainer(fsutil.NewMemoryFileSystem(), nil, quickOptions())
	examples := testutil.ClassCorpus()
	examples[3].Label = action.Label{Steer: 2, Power: 0}

	_, err := tr.Train(examples, ModeClassifier)
	assert.ErrorIs(t, err, action.ErrInvalidLabel)

	// The regressor trains on raw values and has no class table to violate.
	_, err = tr.Train(examples, ModeRegressor)
	assert.NoError(t, err)
}

func TestTrain_Empty(t *testing.T) {
	tr := NewTrainer(fsutil.NewMemoryFileSystem(), nil, quickOptions())
	_, err := tr.Train(nil, ModeClassifier)
	assert.ErrorIs(t, err, features.ErrEmptyCorpus)
}

func TestTrain_BundleMetadata(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := NewTrainer(fsutil.NewMemoryFileSystem(), nil, quickOptions())
	tr.SetClock(clock)

	b, err := tr.Train(testutil.ClassCorpus(), ModeClassifier)
	require.NoError(t, err)
	assert.Equal(t, BundleVersion, b.Version)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, 17, b.Features)
	assert.Equal(t, 9, b.Examples)
	assert.Equal(t, 5, b.Iterations)
	assert.Equal(t, clock.Now(), b.TrainedAt)
	assert.Equal(t, action.Classes(), b.Classes)
}

func TestLoadOrTrain_CachesBundle(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	testutil.WriteCorpus(t, mfs, corpusPath, testutil.ClassCorpus())
	store := NewFileStore(mfs)
	tr := NewTrainer(mfs, store, quickOptions())

	var trained int
	tr.OnTrained = func(res *TrainResult) {
		trained++
		assert.Equal(t, "missing", res.Reason)
		assert.Equal(t, corpusPath, res.Corpus)
	}

	first, err := tr.LoadOrTrain(corpusPath)
	require.NoError(t, err)
	assert.Equal(t, "/car/Training_splrcbxyzv.nnModelC", first.Key)
	assert.True(t, mfs.Exists("/car/Training_splrcbxyzv.nnModelC.json"))

	second, err := tr.LoadOrTrain(corpusPath)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, trained)
}

func TestLoadOrTrain_AlwaysRetrain(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	testutil.WriteCorpus(t, mfs, corpusPath, testutil.ClassCorpus())
	opts := quickOptions()
	opts.AlwaysRetrain = true
	tr := NewTrainer(mfs, NewFileStore(mfs), opts)

	first, err := tr.LoadOrTrain(corpusPath)
	require.NoError(t, err)
	second, err := tr.LoadOrTrain(corpusPath)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestLoadOrTrain_RecoversFromBadBundle(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, mfs *fsutil.MemoryFileSystem, good *Bundle)
	}{
		{
			name: "corrupt payload",
			corrupt: func(t *testing.T, mfs *fsutil.MemoryFileSystem, _ *Bundle) {
				require.NoError(t, mfs.WriteFile("/car/Training_splrcbxyzv.nnModelC.json", []byte("{not json"), 0644))
			},
		},
		{
			name: "version mismatch",
			corrupt: func(t *testing.T, mfs *fsutil.MemoryFileSystem, good *Bundle) {
				bad := *good
				bad.Version = BundleVersion + 1
				data, err := MarshalBundle(&bad)
				require.NoError(t, err)
				require.NoError(t, mfs.WriteFile("/car/Training_splrcbxyzv.nnModelC.json", data, 0644))
			},
		},
		{
			name: "corpus width changed",
			corrupt: func(t *testing.T, mfs *fsutil.MemoryFileSystem, _ *Bundle) {
				examples := testutil.ClassCorpus()
				for i := range examples {
					examples[i].Features = examples[i].Features[:len(testutil.BaseReading)]
					examples[i].Features[0] = float64(i)
				}
				require.NoError(t, mfs.Remove(corpusPath))
				testutil.WriteCorpus(t, mfs, corpusPath, examples)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mfs := fsutil.NewMemoryFileSystem()
			testutil.WriteCorpus(t, mfs, corpusPath, testutil.ClassCorpus())
			tr := NewTrainer(mfs, NewFileStore(mfs), quickOptions())

			good, err := tr.LoadOrTrain(corpusPath)
			require.NoError(t, err)
			tt.corrupt(t, mfs, good)

			var reason string
			tr.OnTrained = func(res *TrainResult) { reason = res.Reason }
			got, err := tr.LoadOrTrain(corpusPath)
			require.NoError(t, err)
			assert.NotEqual(t, good.ID, got.ID)
			assert.Contains(t, reason, "load failed")
		})
	}
}

func TestLoadOrTrain_RegressorKey(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	testutil.WriteCorpus(t, mfs, corpusPath, testutil.ClassCorpus())
	opts := quickOptions()
	opts.Mode = ModeRegressor
	tr := NewTrainer(mfs, NewFileStore(mfs), opts)

	b, err := tr.LoadOrTrain(corpusPath)
	require.NoError(t, err)
	assert.Equal(t, ModeRegressor, b.Mode)
	assert.True(t, mfs.Exists("/car/Training_splrcbxyzv.nnModelR.json"))
}

func TestLoadOrTrain_CorpusErrors(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	tr := NewTrainer(mfs, NewFileStore(mfs), quickOptions())

	_, err := tr.LoadOrTrain("/missing.txt")
	assert.Error(t, err)

	require.NoError(t, mfs.WriteFile("/empty.txt", []byte("# nothing yet\n"), 0644))
	_, err = tr.LoadOrTrain("/empty.txt")
	assert.ErrorIs(t, err, features.ErrEmptyCorpus)

	require.NoError(t, mfs.WriteFile("/bad.txt", []byte("0 0 1\n0 0 oops\n"), 0644))
	_, err = tr.LoadOrTrain("/bad.txt")
	assert.ErrorIs(t, err, corpus.ErrCorpusParse)
}

type recordingStore struct {
	*FileStore
	runs    []*TrainResult
	saveErr error
}

func (s *recordingStore) Save(b *Bundle) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.FileStore.Save(b)
}

func (s *recordingStore) RecordRun(res *TrainResult) error {
	s.runs = append(s.runs, res)
	return nil
}

func TestLoadOrTrain_RecordsRuns(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	testutil.WriteCorpus(t, mfs, corpusPath, testutil.ClassCorpus())
	store := &recordingStore{FileStore: NewFileStore(mfs)}
	tr := NewTrainer(mfs, store, quickOptions())

	_, err := tr.LoadOrTrain(corpusPath)
	require.NoError(t, err)
	_, err = tr.Retrain(corpusPath)
	require.NoError(t, err)

	require.Len(t, store.runs, 2)
	assert.Equal(t, "missing", store.runs[0].Reason)
	assert.Equal(t, "forced", store.runs[1].Reason)
	assert.Len(t, store.runs[0].History, 5)
}

func TestLoadOrTrain_SaveFailure(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	testutil.WriteCorpus(t, mfs, corpusPath, testutil.ClassCorpus())
	store := &recordingStore{FileStore: NewFileStore(mfs), saveErr: errors.New("disk full")}
	tr := NewTrainer(mfs, store, quickOptions())

	_, err := tr.LoadOrTrain(corpusPath)
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, store.runs)
}

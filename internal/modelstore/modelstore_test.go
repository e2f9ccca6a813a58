package modelstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/defiscope/riskengine/internal/classifier"
	"github.com/defiscope/riskengine/internal/features"
)

func testArtifact(id string, createdAt time.Time) *Artifact {
	return &Artifact{
		ID:        id,
		Kind:      KindRisk,
		Algorithm: "random_forest",
		Payload:   json.RawMessage(`{"v":"` + id + `"}`),
		CreatedAt: createdAt,
	}
}

func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.Latest(ctx, KindRisk)
	require.ErrorIs(t, err, ErrArtifactNotFound)

	require.NoError(t, store.Save(ctx, testArtifact("rm_a", base)))
	require.NoError(t, store.Save(ctx, testArtifact("rm_b", base.Add(time.Hour))))
	require.NoError(t, store.Save(ctx, testArtifact("rm_c", base.Add(2*time.Hour))))

	got, err := store.Get(ctx, KindRisk, "rm_b")
	require.NoError(t, err)
	require.Equal(t, "rm_b", got.ID)
	require.JSONEq(t, `{"v":"rm_b"}`, string(got.Payload))

	_, err = store.Get(ctx, KindRisk, "rm_missing")
	require.ErrorIs(t, err, ErrArtifactNotFound)

	latest, err := store.Latest(ctx, KindRisk)
	require.NoError(t, err)
	require.Equal(t, "rm_c", latest.ID)

	// Kinds are isolated.
	_, err = store.Latest(ctx, KindAnomaly)
	require.ErrorIs(t, err, ErrArtifactNotFound)

	list, err := store.List(ctx, KindRisk, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "rm_c", list[0].ID)
	require.Equal(t, "rm_b", list[1].ID)
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	runStoreTests(t, store)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, testArtifact("rm_x", time.Now().UTC())))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := reopened.Latest(ctx, KindRisk)
	require.NoError(t, err)
	require.Equal(t, "rm_x", got.ID)
}

func TestRegistrySwap(t *testing.T) {
	var reg Registry[Bundle]

	_, ok := reg.Current()
	require.False(t, ok)

	first := &Bundle{VersionID: "rm_1"}
	require.Nil(t, reg.Swap(first))

	cur, ok := reg.Current()
	require.True(t, ok)
	require.Same(t, first, cur)

	second := &Bundle{VersionID: "rm_2"}
	require.Same(t, first, reg.Swap(second))

	cur, ok = reg.Current()
	require.True(t, ok)
	require.Same(t, second, cur)
}

func TestBundleArtifactRoundTrip(t *testing.T) {
	x := [][]float64{{1, 2}, {3, 4}, {5, 6}}
	y := []int{0, 1, 2}
	model, err := classifier.New(classifier.AlgorithmRandomForest, classifier.Hyperparams{"n_estimators": 5}, 42)
	require.NoError(t, err)
	require.NoError(t, model.Fit(x, y))
	params, err := classifier.Marshal(model)
	require.NoError(t, err)

	var scaler classifier.StandardScaler
	scaler.Fit(x)

	bundle := &Bundle{
		VersionID:     "rm_20250601T000000_aabbccdd",
		Algorithm:     classifier.AlgorithmRandomForest,
		Hyperparams:   classifier.Hyperparams{"n_estimators": 5},
		Model:         params,
		Schema:        features.DefaultSchema(),
		Scaler:        scaler,
		CategoryVocab: []string{"lending", "dex"},
		ChainVocab:    []string{"ethereum"},
		SampleCount:   3,
		ProtocolCount: 3,
		TrainedAt:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	artifact, err := bundle.Artifact()
	require.NoError(t, err)
	require.Equal(t, bundle.VersionID, artifact.ID)
	require.Equal(t, KindRisk, artifact.Kind)

	restored, err := BundleFromArtifact(artifact)
	require.NoError(t, err)
	require.Equal(t, bundle.Algorithm, restored.Algorithm)
	require.Equal(t, bundle.Schema, restored.Schema)
	require.Equal(t, bundle.Scaler, restored.Scaler)

	clf, err := restored.Classifier()
	require.NoError(t, err)
	probe := []float64{1, 2}
	require.Equal(t, model.PredictProba(probe), clf.PredictProba(probe))
}

func TestBundleFromArtifactRejectsWrongKind(t *testing.T) {
	a := testArtifact("ad_1", time.Now())
	a.Kind = KindAnomaly
	_, err := BundleFromArtifact(a)
	require.Error(t, err)
}

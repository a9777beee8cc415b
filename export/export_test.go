package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/envelope"
	"github.com/helix-tools/dataroom/he"
	"github.com/helix-tools/dataroom/objectstore"
	"github.com/helix-tools/dataroom/types"
)

func sampleFrame() *columnar.Frame {
	f := columnar.NewFrame(types.Schema{
		{Name: "name", Type: types.TypeCategorical},
		{Name: "age", Type: types.TypeInteger},
		{Name: "score", Type: types.TypeReal},
	})
	f.AppendRow([]any{"c", int64(30), 1.5})
	f.AppendRow([]any{"a", int64(41), nil})
	f.AppendRow([]any{"b", nil, 2.25})
	f.AppendRow([]any{"a", int64(18), -3.0})
	return f
}

func TestEncode(t *testing.T) {
	f := sampleFrame()
	name, _ := f.Column("name")
	e := Encode(name)
	require.Equal(t, types.EncodingCategorical, e.Kind)
	require.Equal(t, []string{"a", "b", "c"}, e.Categories)
	require.Equal(t, []float64{2, 0, 1, 0}, e.Values)

	age, _ := f.Column("age")
	e = Encode(age)
	require.Equal(t, types.EncodingNumeric, e.Kind)
	require.Equal(t, []float64{30, 41, 0, 18}, e.Values)
}

func TestBatchSize(t *testing.T) {
	tests := []struct {
		kind     string
		n, slots int
		want     int
	}{
		{types.EncodingNumeric, 10, 4096, 10},
		{types.EncodingNumeric, 10000, 4096, 4096},
		{types.EncodingCategorical, 3, 4096, 3},
		{types.EncodingCategorical, 10000, 4096, 4096},
		{types.EncodingCategorical, 10000, 16384, 8192},
		{types.EncodingNumeric, 0, 4096, 0},
	}
	for _, tt := range tests {
		if got := BatchSize(tt.kind, tt.n, tt.slots); got != tt.want {
			t.Errorf("BatchSize(%s, %d, %d) = %d, want %d", tt.kind, tt.n, tt.slots, got, tt.want)
		}
	}
}

func TestBuildDecrypts(t *testing.T) {
	hc, err := he.NewContext()
	require.NoError(t, err)

	f := sampleFrame()
	env, err := build(context.Background(), hc, f, 8)
	require.NoError(t, err)
	require.Equal(t, 4, env.RowCount)
	require.Equal(t, f.Schema(), env.Schema)
	require.Equal(t, types.EncodingInfo{Type: types.EncodingCategorical, BatchSize: 4, OriginalLength: 4, Batches: 1}, env.EncodingInfo["name"])

	ct, err := base64.StdEncoding.DecodeString(env.EncryptedColumns["name"][0])
	require.NoError(t, err)
	require.EqualValues(t, len(ct), env.ColumnSizes["name"])

	got, err := hc.Decrypt(ct, 4)
	require.NoError(t, err)
	for i, want := range []float64{2, 0, 1, 0} {
		require.Equal(t, want, math.Round(got[i]), "slot %d = %v", i, got[i])
	}
}

func TestConcurrentBuildsAreRandomized(t *testing.T) {
	f := sampleFrame()
	f, _ = f.Project([]string{"name"})

	var wg sync.WaitGroup
	envs := make([]*types.ExportEnvelope, 2)
	errs := make([]error, 2)
	for i := range envs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			envs[i], errs[i] = Build(context.Background(), f, 8)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, envs[0].EncodingInfo["name"], envs[1].EncodingInfo["name"])
	require.NotEqual(t, envs[0].EncryptedColumns["name"], envs[1].EncryptedColumns["name"])
}

func TestSelectAndFilename(t *testing.T) {
	f := Select(sampleFrame(), Request{Columns: []string{"score", "nope", "name", "score"}, MaxRows: 2})
	require.Equal(t, []string{"score", "name"}, f.Schema().Names())
	require.Equal(t, 2, f.Rows())

	require.Equal(t, 3, len(Select(sampleFrame(), Request{Columns: []string{"nope"}}).Columns))
	require.Equal(t, "Census_2020_encrypted.json.gz", Filename("Census 2020"))
	require.Equal(t, "dataset_encrypted.json.gz", Filename(" / "))
}

type fakeDatasets map[string]*types.Dataset

func (f fakeDatasets) Get(_ context.Context, id string) (*types.Dataset, error) {
	if d, ok := f[id]; ok {
		return d, nil
	}
	return nil, apperr.Newf(apperr.NotFound, "Dataset '%s' not found", id)
}

type paywall struct{ paid map[string]bool }

func (p paywall) AuthorizeExport(_ context.Context, identity string, d *types.Dataset) error {
	if !d.Free() && !p.paid[identity] {
		return apperr.New(apperr.NotAuthorized, "This dataset must be purchased before download")
	}
	return nil
}

type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *counter) IncrementDownloads(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[id]++
	return nil
}

func TestExporter(t *testing.T) {
	ctx := context.Background()
	vault := envelope.NewVault(objectstore.NewMemory(), envelope.Plain{}, "encrypted/")
	blob, err := columnar.EncodeParquet(sampleFrame())
	require.NoError(t, err)
	sealed, err := vault.Put(ctx, "people.csv", blob)
	require.NoError(t, err)

	ds := fakeDatasets{
		"free":   {ID: "free", Title: "People", Location: sealed.URL, Key: sealed.StoredKey},
		"priced": {ID: "priced", Title: "People", Price: 10, Location: sealed.URL, Key: sealed.StoredKey},
	}
	c := &counter{n: map[string]int{}}
	x := New(ds, paywall{paid: map[string]bool{"bob": true}}, vault, c, 0, nil, nil)

	_, err = x.Export(ctx, "priced", "alice", Request{})
	require.True(t, apperr.Is(err, apperr.NotAuthorized), "err = %v", err)
	require.Zero(t, c.n["priced"])

	res, err := x.Export(ctx, "free", "alice", Request{Columns: []string{"age"}})
	require.NoError(t, err)
	require.Equal(t, "People_encrypted.json.gz", res.Filename)
	require.Greater(t, res.CompressionRatio, 0.0)
	require.Equal(t, 1, c.n["free"])

	zr, err := gzip.NewReader(bytes.NewReader(res.Body))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Len(t, raw, res.RawBytes)

	var env types.ExportEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, []string{"age"}, env.Schema.Names())
	require.Len(t, env.EncryptedColumns["age"], 1)
	require.Equal(t, types.EncodingNumeric, env.EncodingInfo["age"].Type)
	pub, _, err := he.ParsePublic(env.Context)
	require.NoError(t, err)
	evk, err := pub.EvaluationKeySet()
	require.NoError(t, err)
	require.NotEmpty(t, evk.GetGaloisKeysList())

	_, err = x.Export(ctx, "priced", "bob", Request{MaxRows: 1})
	require.NoError(t, err)
}

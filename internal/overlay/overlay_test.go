package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rtm0/wxoverlay/internal/dataset"
	"github.com/rtm0/wxoverlay/internal/grib2"
	"github.com/rtm0/wxoverlay/internal/grib2/grib2test"
	"github.com/rtm0/wxoverlay/internal/product"
	"github.com/rtm0/wxoverlay/internal/render"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	logger  = slog.New(slog.NewTextHandler(io.Discard, nil))
	refTime = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
)

func writeInput(t *testing.T) string {
	t.Helper()
	ll := &grib2test.LatLon{Ni: 4, Nj: 3, La1: 50, Lo1: -100, Di: 10, Dj: 15}
	var buf bytes.Buffer
	require.NoError(t, grib2test.Encode(&buf,
		grib2test.Field{Category: 0, Number: 0, SurfaceType: 1, RefTime: refTime, ForecastHours: 1, LatLon: ll,
			Values: []float64{210, 220, 230, 240, 250, 260, 270, 280, 290, 295, 300, 310}},
		grib2test.Field{Category: 19, Number: 0, SurfaceType: 1, RefTime: refTime, LatLon: ll,
			Values: []float64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000, 1100, 1200}},
		grib2test.Field{Category: 6, Number: 1, SurfaceType: 10, RefTime: refTime, LatLon: ll,
			Values: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 100}},
	))
	path := filepath.Join(t.TempDir(), "latest_goes.grib2")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func testConfig(t *testing.T) *product.Config {
	cfg := product.DefaultConfig()
	cfg.OutputDir = filepath.Join(t.TempDir(), "site", "data")
	cfg.Width = 40
	return cfg
}

func TestRun(t *testing.T) {
	input := writeInput(t)
	cfg := testConfig(t)

	var opens atomic.Int32
	fileOpener := FileOpener(input, logger)
	opener := OpenerFunc(func(f dataset.Filter) (dataset.Dataset, error) {
		opens.Add(1)
		return fileOpener.Open(f)
	})

	p := NewProcessor(logger, cfg, 4, input)
	p.now = func() time.Time { return refTime }
	res, err := p.Run(context.Background(), opener)
	require.NoError(t, err)

	// One open per distinct filter: surface, atmosphere and unfiltered.
	assert.Equal(t, int32(3), opens.Load())

	var names []string
	for _, ov := range res.Generated {
		names = append(names, ov.Name)
	}
	assert.Equal(t, []string{"infrared", "blue_visible", "cloud_cover"}, names)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "geocolor", res.Skipped[0].Name)
	assert.True(t, res.Skipped[0].NotFound)

	ir := res.Generated[0]
	assert.Equal(t, "surface", ir.TypeOfLevel)
	assert.Equal(t, 200.0, ir.VMin)
	assert.Equal(t, 300.0, ir.VMax)
	assert.Equal(t, refTime.Add(time.Hour), ir.ValidTime)
	assert.Equal(t, [2][2]float64{{20, -100}, {50, -60}}, ir.Bounds)
	assert.Equal(t, 40, ir.Width)
	assert.Equal(t, 30, ir.Height)

	vis := res.Generated[1]
	assert.Equal(t, 100.0, vis.VMin)
	assert.Equal(t, 1200.0, vis.VMax)

	assert.Equal(t, "atmosphere", res.Generated[2].TypeOfLevel)

	for _, name := range []string{"infrared.png", "blue_visible.png", "cloud_cover.png"} {
		f, err := os.Open(filepath.Join(cfg.OutputDir, name))
		require.NoError(t, err, name)
		img, err := png.Decode(f)
		f.Close()
		require.NoError(t, err, name)
		assert.Equal(t, 40, img.Bounds().Dx())
		// The grid ends at 70W; the east edge stays transparent.
		_, _, _, a := img.At(39, 15).RGBA()
		assert.Equal(t, uint32(0), a, name)
		_, _, _, a = img.At(0, 0).RGBA()
		assert.Equal(t, uint32(0xffff), a, name)
	}
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "geocolor.png"))

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, ManifestFile))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, input, m.Source)
	assert.True(t, refTime.Equal(m.Generated))
	if diff := cmp.Diff(res.Generated, m.Overlays); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestRunLogs(t *testing.T) {
	input := writeInput(t)
	var logs bytes.Buffer
	jsonLogger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := NewProcessor(jsonLogger, testConfig(t), 2, input).Run(context.Background(), FileOpener(input, logger))
	require.NoError(t, err)

	msgs := map[string]int{}
	dec := json.NewDecoder(&logs)
	for dec.More() {
		var rec struct{ Msg string }
		require.NoError(t, dec.Decode(&rec))
		msgs[rec.Msg]++
	}
	assert.Equal(t, 3, msgs["Generated"])
	assert.Equal(t, 1, msgs["Variable not found"])
	assert.Positive(t, msgs["Variable not in filtered dataset"])
}

func TestRunLambert(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, grib2test.Encode(&buf, grib2test.Field{
		Category: 6, Number: 1, SurfaceType: 10, RefTime: refTime,
		Lambert: &grib2test.Lambert{
			Nx: 3, Ny: 2,
			La1: 21.138123, Lo1: 237.280472,
			LaD: 38.5, LoV: 262.5,
			Dx: 3000, Dy: 3000,
			Latin1: 38.5, Latin2: 38.5,
			ScanMode: grib2.ScanPositiveJ,
		},
		Values: []float64{80, 80, 80, 80, 80, 80},
	}))
	input := filepath.Join(t.TempDir(), "hrrr.grib2")
	require.NoError(t, os.WriteFile(input, buf.Bytes(), 0o644))

	cfg := testConfig(t)
	cfg.Width = 10
	// Well inside the cell of the first grid point.
	cfg.Extent = render.Extent{West: -122.7245, East: -122.7145, South: 21.1331, North: 21.1431}
	cfg.Products = cfg.Products[3:]
	require.Equal(t, "cloud_cover", cfg.Products[0].Name)

	res, err := NewProcessor(logger, cfg, 1, input).Run(context.Background(), FileOpener(input, logger))
	require.NoError(t, err)
	require.Len(t, res.Generated, 1)
	assert.Empty(t, res.Skipped)

	f, err := os.Open(filepath.Join(cfg.OutputDir, "cloud_cover.png"))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	b := img.Bounds()
	for _, pt := range [][2]int{{0, 0}, {b.Dx() - 1, b.Dy() - 1}, {b.Dx() / 2, b.Dy() / 2}} {
		_, _, _, a := img.At(pt[0], pt[1]).RGBA()
		assert.NotZero(t, a, "pixel %v", pt)
	}
}

func TestRunOpenError(t *testing.T) {
	cfg := testConfig(t)
	opener := OpenerFunc(func(dataset.Filter) (dataset.Dataset, error) {
		return nil, errors.New("corrupt input")
	})
	res, err := NewProcessor(logger, cfg, 2, "").Run(context.Background(), opener)
	require.NoError(t, err)
	assert.Empty(t, res.Generated)
	require.Len(t, res.Skipped, len(cfg.Products))
	for _, s := range res.Skipped {
		assert.False(t, s.NotFound)
		assert.Contains(t, s.Reason, "corrupt input")
	}

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"overlays": []`)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewProcessor(logger, testConfig(t), 1, "").Run(ctx, FileOpener(writeInput(t), logger))
	assert.ErrorIs(t, err, context.Canceled)
}

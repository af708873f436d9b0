package tesseract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

const sampleTSV = `level	page_num	block_num	par_num	line_num	word_num	left	top	width	height	conf	text
1	1	0	0	0	0	0	0	640	480	-1
5	1	1	1	1	1	10	10	60	20	96.5	Invoice
5	1	1	1	1	2	80	10	50	20	91.2	Total
5	1	1	1	2	1	10	40	50	20	88.0	42.00
5	1	1	1	2	2	70	40	10	20	-1
`

type fakeRunner struct {
	out  []byte
	err  error
	name string
	args []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.name, f.args = name, args
	return f.out, f.err
}

func TestAnalyzeParsesTSV(t *testing.T) {
	runner := &fakeRunner{out: []byte(sampleTSV)}
	d := New(Options{Runner: runner})

	res, err := d.Analyze(context.Background(), "page.png")
	require.NoError(t, err)

	assert.Equal(t, "tesseract", runner.name)
	assert.Equal(t, []string{"page.png", "stdout", "-l", "eng", "--psm", "3", "tsv"}, runner.args)

	assert.Equal(t, ocr.EngineTesseract, res.EngineKind)
	assert.Equal(t, "Invoice Total\n42.00", res.Text)
	assert.Equal(t, 3, res.WordCount)
	assert.Equal(t, 1, res.PageCount)
	assert.InDelta(t, (0.965+0.912+0.88)/3, res.Confidence, 1e-9)
	assert.Equal(t, "eng", res.LanguageDetected)
	assert.NotEmpty(t, res.RawResponse)
}

func TestAnalyzeRejectsPDF(t *testing.T) {
	d := New(Options{Runner: &fakeRunner{}})
	_, err := d.Analyze(context.Background(), "doc.pdf")
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryPermanent, ocr.CategoryOf(err))
}

func TestAnalyzeBinaryFailure(t *testing.T) {
	d := New(Options{Runner: &fakeRunner{err: errors.New("exit status 1: bad image")}})
	_, err := d.Analyze(context.Background(), "page.png")
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryPermanent, ocr.CategoryOf(err))
}

func TestAnalyzeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New(Options{Runner: &fakeRunner{err: errors.New("signal: killed")}})
	_, err := d.Analyze(ctx, "page.png")
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryCancelled, ocr.CategoryOf(err))
}

func TestAnalyzeCustomLanguageAndPSM(t *testing.T) {
	runner := &fakeRunner{out: []byte(sampleTSV)}
	d := New(Options{Runner: runner, Language: "deu", PSM: 6})
	_, err := d.Analyze(context.Background(), "page.png")
	require.NoError(t, err)
	assert.Contains(t, strings.Join(runner.args, " "), "-l deu")
	assert.Contains(t, strings.Join(runner.args, " "), "--psm 6")
}

func TestHealthCheck(t *testing.T) {
	d := New(Options{Runner: &fakeRunner{out: []byte("tesseract 5.3.4\n leptonica-1.84.1")}})
	h := d.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, "tesseract 5.3.4", h.Details)

	d = New(Options{Runner: &fakeRunner{err: errors.New("executable file not found")}})
	h = d.HealthCheck(context.Background())
	assert.False(t, h.Healthy)
}

func TestEstimateCostIsNil(t *testing.T) {
	d := New(Options{Runner: &fakeRunner{}})
	assert.Nil(t, d.EstimateCost(10))
}

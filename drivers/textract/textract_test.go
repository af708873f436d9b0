package textract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstextract "github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

type fakeTextract struct {
	analyzeOut *awstextract.AnalyzeDocumentOutput
	analyzeErr error

	startOut *awstextract.StartDocumentAnalysisOutput
	startErr error

	getOuts []*awstextract.GetDocumentAnalysisOutput
	getIdx  int32
}

func (f *fakeTextract) AnalyzeDocument(_ context.Context, _ *awstextract.AnalyzeDocumentInput, _ ...func(*awstextract.Options)) (*awstextract.AnalyzeDocumentOutput, error) {
	return f.analyzeOut, f.analyzeErr
}

func (f *fakeTextract) StartDocumentAnalysis(_ context.Context, _ *awstextract.StartDocumentAnalysisInput, _ ...func(*awstextract.Options)) (*awstextract.StartDocumentAnalysisOutput, error) {
	return f.startOut, f.startErr
}

func (f *fakeTextract) GetDocumentAnalysis(_ context.Context, _ *awstextract.GetDocumentAnalysisInput, _ ...func(*awstextract.Options)) (*awstextract.GetDocumentAnalysisOutput, error) {
	i := atomic.AddInt32(&f.getIdx, 1) - 1
	if int(i) >= len(f.getOuts) {
		i = int32(len(f.getOuts) - 1)
	}
	return f.getOuts[i], nil
}

type fakeS3 struct {
	puts    int32
	deletes int32
	putErr  error
}

func (f *fakeS3) PutObject(_ context.Context, _ *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	atomic.AddInt32(&f.puts, 1)
	return &s3.PutObjectOutput{}, f.putErr
}

func (f *fakeS3) DeleteObject(_ context.Context, _ *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	atomic.AddInt32(&f.deletes, 1)
	return &s3.DeleteObjectOutput{}, nil
}

type apiError struct{ code string }

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func writeDoc(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("doc"), 0o600))
	return path
}

func strp(s string) *string { return &s }
func f32p(v float32) *float32 { return &v }
func i32p(v int32) *int32     { return &v }

func sampleBlocks() []types.Block {
	return []types.Block{
		{BlockType: types.BlockTypePage, Id: strp("p1")},
		{BlockType: types.BlockTypeLine, Id: strp("l1"), Text: strp("Total 42.00")},
		{BlockType: types.BlockTypeWord, Id: strp("w1"), Text: strp("Total"), Confidence: f32p(98)},
		{BlockType: types.BlockTypeWord, Id: strp("w2"), Text: strp("42.00"), Confidence: f32p(90)},
		{
			BlockType: types.BlockTypeTable, Id: strp("t1"),
			Relationships: []types.Relationship{{Type: types.RelationshipTypeChild, Ids: []string{"c1"}}},
		},
		{
			BlockType: types.BlockTypeCell, Id: strp("c1"),
			RowIndex: i32p(1), ColumnIndex: i32p(1), Confidence: f32p(95),
			Relationships: []types.Relationship{{Type: types.RelationshipTypeChild, Ids: []string{"w1"}}},
		},
		{
			BlockType: types.BlockTypeKeyValueSet, Id: strp("k1"),
			EntityTypes: []types.EntityType{types.EntityTypeKey},
			Confidence:  f32p(92),
			Relationships: []types.Relationship{
				{Type: types.RelationshipTypeChild, Ids: []string{"w1"}},
				{Type: types.RelationshipTypeValue, Ids: []string{"v1"}},
			},
		},
		{
			BlockType: types.BlockTypeKeyValueSet, Id: strp("v1"),
			EntityTypes:   []types.EntityType{types.EntityTypeValue},
			Confidence:    f32p(88),
			Relationships: []types.Relationship{{Type: types.RelationshipTypeChild, Ids: []string{"w2"}}},
		},
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryConfiguration, ocr.CategoryOf(err))
}

func TestAnalyzeImageSync(t *testing.T) {
	fake := &fakeTextract{analyzeOut: &awstextract.AnalyzeDocumentOutput{Blocks: sampleBlocks()}}
	d, err := New(Options{Client: fake})
	require.NoError(t, err)

	res, err := d.Analyze(context.Background(), writeDoc(t, "scan.png"))
	require.NoError(t, err)

	assert.Equal(t, ocr.EngineTextract, res.EngineKind)
	assert.Equal(t, "Total 42.00", res.Text)
	assert.Equal(t, 1, res.PageCount)
	assert.Equal(t, 2, res.WordCount)
	assert.InDelta(t, 0.94, res.Confidence, 1e-6)

	require.Equal(t, 1, res.TableCount)
	require.Len(t, res.Tables[0].Cells, 1)
	assert.Equal(t, "Total", res.Tables[0].Cells[0].Text)
	assert.Equal(t, 0, res.Tables[0].Cells[0].Row)

	require.Len(t, res.KeyValuePairs, 1)
	assert.Equal(t, "Total", res.KeyValuePairs[0].Key)
	assert.Equal(t, "42.00", res.KeyValuePairs[0].Value)
	assert.InDelta(t, 0.88, res.KeyValuePairs[0].ValueConfidence, 1e-6)

	assert.NotEmpty(t, res.RawResponse)
}

func TestAnalyzePDFAsync(t *testing.T) {
	fake := &fakeTextract{
		startOut: &awstextract.StartDocumentAnalysisOutput{JobId: aws.String("job-1")},
		getOuts: []*awstextract.GetDocumentAnalysisOutput{
			{JobStatus: types.JobStatusInProgress},
			{JobStatus: types.JobStatusSucceeded, Blocks: sampleBlocks()},
		},
	}
	staging := &fakeS3{}
	d, err := New(Options{
		Client:        fake,
		Staging:       staging,
		StagingBucket: "bucket",
		PollInterval:  time.Millisecond,
	})
	require.NoError(t, err)

	res, err := d.Analyze(context.Background(), writeDoc(t, "doc.pdf"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.WordCount)
	assert.EqualValues(t, 1, atomic.LoadInt32(&staging.puts))
	assert.EqualValues(t, 1, atomic.LoadInt32(&staging.deletes))
}

func TestAnalyzePDFWithoutStagingBucket(t *testing.T) {
	d, err := New(Options{Client: &fakeTextract{}})
	require.NoError(t, err)
	_, err = d.Analyze(context.Background(), writeDoc(t, "doc.pdf"))
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryConfiguration, ocr.CategoryOf(err))
}

func TestAnalyzeJobFailed(t *testing.T) {
	fake := &fakeTextract{
		startOut: &awstextract.StartDocumentAnalysisOutput{JobId: aws.String("job-2")},
		getOuts: []*awstextract.GetDocumentAnalysisOutput{
			{JobStatus: types.JobStatusFailed, StatusMessage: aws.String("unsupported document")},
		},
	}
	d, err := New(Options{Client: fake, Staging: &fakeS3{}, StagingBucket: "b", PollInterval: time.Millisecond})
	require.NoError(t, err)

	_, err = d.Analyze(context.Background(), writeDoc(t, "doc.pdf"))
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryPermanent, ocr.CategoryOf(err))
	assert.Contains(t, err.Error(), "unsupported document")
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		want ocr.Category
	}{
		{&apiError{code: "ThrottlingException"}, ocr.CategoryTransient},
		{&apiError{code: "InternalServerError"}, ocr.CategoryTransient},
		{&apiError{code: "AccessDeniedException"}, ocr.CategoryPermanent},
		{&apiError{code: "InvalidParameterException"}, ocr.CategoryPermanent},
		{errors.New("dial tcp: connection refused"), ocr.CategoryTransient},
	}
	for _, tc := range cases {
		fake := &fakeTextract{analyzeErr: tc.err}
		d, err := New(Options{Client: fake})
		require.NoError(t, err)
		_, err = d.Analyze(context.Background(), writeDoc(t, "scan.png"))
		require.Error(t, err)
		assert.Equal(t, tc.want, ocr.CategoryOf(err), "err %v", tc.err)
	}
}

func TestFeatureTypesMapping(t *testing.T) {
	feats := featureTypes([]ocr.Feature{ocr.FeatureLayout, ocr.FeatureSignatures})
	assert.Contains(t, feats, types.FeatureTypeTables)
	assert.Contains(t, feats, types.FeatureTypeForms)
	assert.Contains(t, feats, types.FeatureTypeLayout)
	assert.Contains(t, feats, types.FeatureTypeSignatures)
	assert.NotContains(t, feats, types.FeatureTypeQueries)
}

func TestEstimateCost(t *testing.T) {
	d, err := New(Options{Client: &fakeTextract{}})
	require.NoError(t, err)
	assert.Nil(t, d.EstimateCost(0))
	assert.EqualValues(t, 5, *d.EstimateCost(1))
}

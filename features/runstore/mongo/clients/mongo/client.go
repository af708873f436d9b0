// Package mongo hosts the MongoDB client used by the run and document stores.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/runstore"
)

const (
	defaultRunsCollection      = "ocr_runs"
	defaultDocumentsCollection = "documents"
	defaultOpTimeout           = 5 * time.Second
	runClientName              = "ocr-run-mongo"
)

// Client exposes Mongo-backed operations for OCR runs and documents.
type Client interface {
	health.Pinger

	InsertRun(ctx context.Context, run runstore.Run) error
	UpdateRun(ctx context.Context, runID string, set bson.M) error
	ListRuns(ctx context.Context, documentID string) ([]runstore.Run, error)

	GetDocument(ctx context.Context, id string) (runstore.Document, error)
	ApplySelection(ctx context.Context, sel runstore.Selection) error
}

// Options configures the Mongo client.
type Options struct {
	Client              *mongodriver.Client
	Database            string
	RunsCollection      string
	DocumentsCollection string
	Timeout             time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	runs    collection
	docs    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	runsColl := opts.RunsCollection
	if runsColl == "" {
		runsColl = defaultRunsCollection
	}
	docsColl := opts.DocumentsCollection
	if docsColl == "" {
		docsColl = defaultDocumentsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	runs := mongoCollection{coll: db.Collection(runsColl)}
	docs := mongoCollection{coll: db.Collection(docsColl)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, runs); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, runs, docs, timeout)
}

func (c *client) Name() string {
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertRun(ctx context.Context, run runstore.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.DocumentID == "" {
		return errors.New("document id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.runs.InsertOne(ctx, fromRun(run))
	return err
}

func (c *client) UpdateRun(ctx context.Context, runID string, set bson.M) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.runs.UpdateOne(ctx, bson.M{"run_id": runID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errors.New("run not found")
	}
	return nil
}

func (c *client) ListRuns(ctx context.Context, documentID string) ([]runstore.Run, error) {
	if documentID == "" {
		return nil, errors.New("document id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.runs.Find(ctx, bson.M{"document_id": documentID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []runDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]runstore.Run, len(docs))
	for i, d := range docs {
		out[i] = d.toRun()
	}
	return out, nil
}

func (c *client) GetDocument(ctx context.Context, id string) (runstore.Document, error) {
	if id == "" {
		return runstore.Document{}, errors.New("document id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc documentRecord
	if err := c.docs.FindOne(ctx, bson.M{"document_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return runstore.Document{}, errors.New("document not found")
		}
		return runstore.Document{}, err
	}
	return doc.toDocument(), nil
}

func (c *client) ApplySelection(ctx context.Context, sel runstore.Selection) error {
	if sel.DocumentID == "" {
		return errors.New("document id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.docs.UpdateOne(ctx,
		bson.M{"document_id": sel.DocumentID},
		bson.M{"$set": bson.M{
			"extracted_text":  sel.ExtractedText,
			"selected_engine": string(sel.SelectedEngine),
			"selected_run_id": sel.SelectedRunID,
			"last_ocr_at":     sel.At.UTC(),
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errors.New("document not found")
	}
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type runDocument struct {
	RunID        string              `bson:"run_id"`
	DocumentID   string              `bson:"document_id"`
	EngineKind   string              `bson:"engine_kind"`
	EngineConfig config.EngineConfig `bson:"engine_config"`

	Status      string    `bson:"status"`
	StartedAt   time.Time `bson:"started_at"`
	CompletedAt time.Time `bson:"completed_at,omitempty"`
	LatencyMS   int64     `bson:"latency_ms,omitempty"`

	ConfidenceMean float64 `bson:"confidence_mean,omitempty"`
	PagesParsed    int     `bson:"pages_parsed,omitempty"`
	WordCount      int     `bson:"word_count,omitempty"`
	TableCount     int     `bson:"table_count,omitempty"`
	CostCents      *int64  `bson:"cost_cents,omitempty"`

	ErrorMessage string `bson:"error_message,omitempty"`

	RawResponsePath   string `bson:"raw_response_path,omitempty"`
	RawResponseSHA256 string `bson:"raw_response_sha256,omitempty"`
}

func fromRun(run runstore.Run) runDocument {
	return runDocument{
		RunID:             run.ID,
		DocumentID:        run.DocumentID,
		EngineKind:        string(run.EngineKind),
		EngineConfig:      run.EngineConfig,
		Status:            string(run.Status),
		StartedAt:         run.StartedAt.UTC(),
		CompletedAt:       run.CompletedAt,
		LatencyMS:         run.LatencyMS,
		ConfidenceMean:    run.ConfidenceMean,
		PagesParsed:       run.PagesParsed,
		WordCount:         run.WordCount,
		TableCount:        run.TableCount,
		CostCents:         run.CostCents,
		ErrorMessage:      run.ErrorMessage,
		RawResponsePath:   run.RawResponsePath,
		RawResponseSHA256: run.RawResponseSHA256,
	}
}

func (doc runDocument) toRun() runstore.Run {
	return runstore.Run{
		ID:                doc.RunID,
		DocumentID:        doc.DocumentID,
		EngineKind:        ocr.EngineKind(doc.EngineKind),
		EngineConfig:      doc.EngineConfig,
		Status:            runstore.Status(doc.Status),
		StartedAt:         doc.StartedAt,
		CompletedAt:       doc.CompletedAt,
		LatencyMS:         doc.LatencyMS,
		ConfidenceMean:    doc.ConfidenceMean,
		PagesParsed:       doc.PagesParsed,
		WordCount:         doc.WordCount,
		TableCount:        doc.TableCount,
		CostCents:         doc.CostCents,
		ErrorMessage:      doc.ErrorMessage,
		RawResponsePath:   doc.RawResponsePath,
		RawResponseSHA256: doc.RawResponseSHA256,
	}
}

type documentRecord struct {
	DocumentID  string `bson:"document_id"`
	StoragePath string `bson:"storage_path"`
	MimeType    string `bson:"mime_type,omitempty"`
	PageCount   *int   `bson:"page_count,omitempty"`

	ExtractedText  string    `bson:"extracted_text,omitempty"`
	SelectedEngine string    `bson:"selected_engine,omitempty"`
	SelectedRunID  string    `bson:"selected_run_id,omitempty"`
	LastOCRAt      time.Time `bson:"last_ocr_at,omitempty"`
}

func (doc documentRecord) toDocument() runstore.Document {
	return runstore.Document{
		ID:             doc.DocumentID,
		StoragePath:    doc.StoragePath,
		MimeType:       doc.MimeType,
		PageCount:      doc.PageCount,
		ExtractedText:  doc.ExtractedText,
		SelectedEngine: ocr.EngineKind(doc.SelectedEngine),
		SelectedRunID:  doc.SelectedRunID,
		LastOCRAt:      doc.LastOCRAt,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	unique := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, unique); err != nil {
		return err
	}
	byDocument := mongodriver.IndexModel{
		Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "started_at", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, byDocument)
	return err
}

func newClientWithCollections(mongoClient *mongodriver.Client, runs, docs collection, timeout time.Duration) (*client, error) {
	if runs == nil || docs == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		runs:    runs,
		docs:    docs,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}

package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ReportsCollection is the Mongo collection holding analysis results.
const ReportsCollection = "reports"

type repoMongo struct {
	coll *mongo.Collection
}

// NewMongoRepo stores results in the reports collection of db.
func NewMongoRepo(db *mongo.Database) Repository {
	return &repoMongo{coll: db.Collection(ReportsCollection)}
}

type resultDoc struct {
	ID          string      `bson:"_id"`
	UserID      string      `bson:"user_id"`
	Filename    string      `bson:"filename"`
	UploadDate  time.Time   `bson:"upload_date"`
	RawText     string      `bson:"raw_text"`
	Summary     string      `bson:"simple_summary"`
	Indicators  []Indicator `bson:"structured_entities"`
	StoragePath string      `bson:"file_storage_path,omitempty"`
	CreatedAt   time.Time   `bson:"created_at"`
}

func toDoc(r *AnalysisResult) resultDoc {
	return resultDoc{
		ID:          r.ID.String(),
		UserID:      r.UserID,
		Filename:    r.Filename,
		UploadDate:  r.UploadDate,
		RawText:     r.RawText,
		Summary:     r.Summary,
		Indicators:  r.Indicators,
		StoragePath: r.StoragePath,
		CreatedAt:   r.CreatedAt,
	}
}

func (d resultDoc) result() (*AnalysisResult, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("parse result id %q: %w", d.ID, err)
	}
	indicators := d.Indicators
	if indicators == nil {
		indicators = []Indicator{}
	}
	return &AnalysisResult{
		ID:          id,
		UserID:      d.UserID,
		Filename:    d.Filename,
		UploadDate:  d.UploadDate,
		RawText:     d.RawText,
		Summary:     d.Summary,
		Indicators:  indicators,
		StoragePath: d.StoragePath,
		CreatedAt:   d.CreatedAt,
	}, nil
}

func (r *repoMongo) Save(ctx context.Context, res *AnalysisResult) error {
	res.ID = uuid.New()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	if res.Indicators == nil {
		res.Indicators = []Indicator{}
	}
	_, err := r.coll.InsertOne(ctx, toDoc(res))
	return err
}

func (r *repoMongo) GetByID(ctx context.Context, id uuid.UUID) (*AnalysisResult, error) {
	var doc resultDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.result()
}

func (r *repoMongo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*AnalysisResult, int, error) {
	filter := bson.M{"user_id": userID}
	total, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "upload_date", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var docs []resultDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, err
	}
	out := make([]*AnalysisResult, 0, len(docs))
	for _, d := range docs {
		res, err := d.result()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, res)
	}
	return out, int(total), nil
}

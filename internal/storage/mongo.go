package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"usermetrics/internal/dbclient"
	"usermetrics/internal/etl"
)

// MongoWarehouse keeps the persons rows, the metadata log and the run log
// as collections of one database. The partition replace is a DeleteMany
// followed by an InsertMany; standalone servers offer no transaction, so a
// failed insert leaves the partition empty until the next run.
type MongoWarehouse struct {
	log *zap.Logger
	cfg WarehouseConfig
}

// NewMongoWarehouse creates a MongoWarehouse. No connection is opened
// until the first operation.
func NewMongoWarehouse(log *zap.Logger, cfg WarehouseConfig) *MongoWarehouse {
	return &MongoWarehouse{log: log, cfg: cfg}
}

// withDatabase connects, runs fn and disconnects.
func (w *MongoWarehouse) withDatabase(ctx context.Context, fn func(db *mongo.Database) error) error {
	client, dbName, err := dbclient.ConnectMongo(ctx, w.cfg.Source, w.cfg.MongoDatabase)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			w.log.Warn("mongo disconnect", zap.Error(err))
		}
	}()
	return fn(client.Database(dbName))
}

func (w *MongoWarehouse) UpsertPartition(ctx context.Context, records []etl.Record, runDate, table string, unique []string) (etl.LoadStats, error) {
	stats := etl.LoadStats{Table: table, Partition: runDate}
	err := w.withDatabase(ctx, func(db *mongo.Database) error {
		coll := db.Collection(table)

		del, err := coll.DeleteMany(ctx, bson.M{"ingestion_date": runDate})
		if err != nil {
			return Error.New("delete partition %s: %v", runDate, err)
		}
		stats.Deleted = del.DeletedCount

		if len(records) > 0 {
			docs := make([]any, len(records))
			for i, rec := range records {
				doc := make(bson.M, len(etl.FinalColumns))
				for _, c := range etl.FinalColumns {
					doc[c] = sqlValue(rec.Data[c])
				}
				docs[i] = doc
			}
			if _, err := coll.InsertMany(ctx, docs); err != nil {
				return Error.New("insert partition %s: %v", runDate, err)
			}
		}
		stats.Inserted = int64(len(records))

		total, err := coll.CountDocuments(ctx, bson.M{})
		if err != nil {
			return Error.New("count rows: %v", err)
		}
		stats.Total = total

		if len(unique) > 0 {
			stats.Distinct, err = countDistinct(ctx, coll, unique)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return stats, err
}

func countDistinct(ctx context.Context, coll *mongo.Collection, unique []string) (int64, error) {
	key := bson.D{}
	for _, c := range unique {
		key = append(key, bson.E{Key: c, Value: "$" + c})
	}
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: key}}}},
		{{Key: "$count", Value: "n"}},
	}
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, Error.New("count distinct rows: %v", err)
	}
	var out []struct {
		N int64 `bson:"n"`
	}
	if err := cursor.All(ctx, &out); err != nil {
		return 0, Error.New("count distinct rows: %v", err)
	}
	if len(out) == 0 {
		return 0, nil
	}
	return out[0].N, nil
}

type metadataDoc struct {
	ID              string    `bson:"_id"`
	IngestionTime   time.Time `bson:"ingestion_time"`
	RecordsInserted int64     `bson:"records_inserted"`
	FilePath        string    `bson:"filepath"`
	ColumnCount     int       `bson:"column_count"`
	ColumnList      []string  `bson:"column_list"`
	SchemaSignature string    `bson:"schema_signature"`
}

func (w *MongoWarehouse) InsertMetadata(ctx context.Context, e MetadataEntry) error {
	return w.withDatabase(ctx, func(db *mongo.Database) error {
		_, err := db.Collection(w.cfg.MetadataTable).InsertOne(ctx, metadataDoc{
			ID:              e.ID,
			IngestionTime:   e.IngestionTime.UTC(),
			RecordsInserted: e.RecordCount,
			FilePath:        e.FilePath,
			ColumnCount:     e.ColumnCount,
			ColumnList:      e.Columns,
			SchemaSignature: e.SchemaSignature,
		})
		return Error.Wrap(err)
	})
}

func (w *MongoWarehouse) LatestMetadata(ctx context.Context) (*MetadataEntry, error) {
	var entry *MetadataEntry
	err := w.withDatabase(ctx, func(db *mongo.Database) error {
		opts := options.FindOne().SetSort(bson.D{{Key: "ingestion_time", Value: -1}})
		var doc metadataDoc
		err := db.Collection(w.cfg.MetadataTable).FindOne(ctx, bson.M{}, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		if err != nil {
			return Error.Wrap(err)
		}
		entry = &MetadataEntry{
			ID:              doc.ID,
			IngestionTime:   doc.IngestionTime,
			RecordCount:     doc.RecordsInserted,
			FilePath:        doc.FilePath,
			ColumnCount:     doc.ColumnCount,
			Columns:         doc.ColumnList,
			SchemaSignature: doc.SchemaSignature,
		}
		return nil
	})
	return entry, err
}

func (w *MongoWarehouse) DeleteMetadataBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := w.withDatabase(ctx, func(db *mongo.Database) error {
		res, err := db.Collection(w.cfg.MetadataTable).DeleteMany(ctx,
			bson.M{"ingestion_time": bson.M{"$lt": cutoff.UTC()}})
		if err != nil {
			return Error.Wrap(err)
		}
		deleted = res.DeletedCount
		return nil
	})
	return deleted, err
}

type runDoc struct {
	ID          string    `bson:"_id"`
	Phase       string    `bson:"phase"`
	Partition   string    `bson:"partition_key"`
	StartedAt   time.Time `bson:"started_at"`
	FinishedAt  time.Time `bson:"finished_at"`
	Status      string    `bson:"status"`
	RowsRead    int64     `bson:"rows_read"`
	RowsWritten int64     `bson:"rows_written"`
	Error       string    `bson:"error"`
}

func (w *MongoWarehouse) InsertRun(ctx context.Context, r RunLog) error {
	return w.withDatabase(ctx, func(db *mongo.Database) error {
		_, err := db.Collection(w.cfg.RunsTable).InsertOne(ctx, runDoc(r))
		return Error.Wrap(err)
	})
}

func (w *MongoWarehouse) ListRuns(ctx context.Context, limit int) ([]RunLog, error) {
	var runs []RunLog
	err := w.withDatabase(ctx, func(db *mongo.Database) error {
		opts := options.Find().
			SetSort(bson.D{{Key: "started_at", Value: -1}}).
			SetLimit(int64(limit))
		cursor, err := db.Collection(w.cfg.RunsTable).Find(ctx, bson.M{}, opts)
		if err != nil {
			return Error.Wrap(err)
		}
		var docs []runDoc
		if err := cursor.All(ctx, &docs); err != nil {
			return Error.Wrap(err)
		}
		for _, d := range docs {
			runs = append(runs, RunLog(d))
		}
		return nil
	})
	return runs, err
}

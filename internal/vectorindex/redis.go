package vectorindex

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// sweepBatch bounds how many stale keys one FT.SEARCH/DEL round handles.
const sweepBatch = 500

// topicTagLayout is recorded in the schema metadata. Indexes built with
// the RediSearch TAG defaults (case-folded, "," separated) match topics
// more loosely than the exact topic check and are rejected.
const topicTagLayout = "casesensitive;separator=" + TopicSeparator

// insertOnce writes the hash only if the key does not exist yet.
var insertOnce = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// RedisIndex implements Index on Redis Stack (RediSearch HNSW, cosine).
//
// The client must speak RESP2 (redis.Options.Protocol = 2); FT.INFO and
// FT.SEARCH replies are only parsed into typed results on RESP2.
type RedisIndex struct {
	client *redis.Client
	schema Schema
	logger *zap.Logger
}

// NewRedisIndex returns an index bound to client. It does not touch Redis;
// call EnsureIndex at startup.
func NewRedisIndex(client *redis.Client, schema Schema, logger *zap.Logger) *RedisIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisIndex{
		client: client,
		schema: schema,
		logger: logger.Named("vectorindex"),
	}
}

func (r *RedisIndex) key(id string) string {
	return r.schema.KeyPrefix + id
}

func (r *RedisIndex) metaKey() string {
	return r.schema.Name + ":schema"
}

// EnsureIndex creates the index on first run and validates it afterwards.
func (r *RedisIndex) EnsureIndex(ctx context.Context) error {
	info, err := r.client.FTInfo(ctx, r.schema.Name).Result()
	if err != nil {
		if !isUnknownIndex(err) {
			return fmt.Errorf("%w: ft.info %s: %w", ErrIndexUnavailable, r.schema.Name, err)
		}
		if err := r.create(ctx); err != nil {
			return err
		}
		r.logger.Info("vector index created",
			zap.String("index", r.schema.Name),
			zap.String("prefix", r.schema.KeyPrefix),
			zap.Int("dimension", r.schema.Dimension),
		)
		return nil
	}

	attrs := make(map[string]string, len(info.Attributes))
	for _, a := range info.Attributes {
		name := a.Attribute
		if name == "" {
			name = a.Identifier
		}
		attrs[name] = strings.ToUpper(a.Type)
	}
	if err := validateAttributes(attrs); err != nil {
		return err
	}
	return r.checkMetadata(ctx)
}

func (r *RedisIndex) create(ctx context.Context) error {
	err := r.client.FTCreate(ctx, r.schema.Name,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{r.schema.KeyPrefix},
		},
		&redis.FieldSchema{
			FieldName: FieldContent,
			FieldType: redis.SearchFieldTypeText,
			Sortable:  true,
		},
		&redis.FieldSchema{
			FieldName: FieldResponse,
			FieldType: redis.SearchFieldTypeText,
			NoIndex:   true,
		},
		&redis.FieldSchema{
			FieldName:     FieldTopic,
			FieldType:     redis.SearchFieldTypeTag,
			Separator:     TopicSeparator,
			CaseSensitive: true,
		},
		&redis.FieldSchema{
			FieldName: FieldVector,
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				HNSWOptions: &redis.FTHNSWOptions{
					Type:                   "FLOAT32",
					Dim:                    r.schema.Dimension,
					DistanceMetric:         "COSINE",
					MaxEdgesPerNode:        r.schema.M,
					MaxAllowedEdgesPerNode: r.schema.EfConstruction,
				},
			},
		},
		&redis.FieldSchema{
			FieldName: FieldCreatedAt,
			FieldType: redis.SearchFieldTypeNumeric,
			Sortable:  true,
		},
		&redis.FieldSchema{
			FieldName: FieldTokensSaved,
			FieldType: redis.SearchFieldTypeNumeric,
		},
	).Err()
	if err != nil {
		return fmt.Errorf("%w: ft.create %s: %w", ErrIndexUnavailable, r.schema.Name, err)
	}

	if err := r.client.HSet(ctx, r.metaKey(),
		"dimension", r.schema.Dimension,
		"metric", "COSINE",
		"topic_tag", topicTagLayout,
	).Err(); err != nil {
		return fmt.Errorf("%w: write schema metadata: %w", ErrIndexUnavailable, err)
	}
	return nil
}

// checkMetadata compares the dimension and topic tag layout recorded at
// creation time. FT.INFO does not expose either in a stable shape, so the
// index records its own.
func (r *RedisIndex) checkMetadata(ctx context.Context) error {
	vals, err := r.client.HMGet(ctx, r.metaKey(), "dimension", "topic_tag").Result()
	if err != nil {
		return fmt.Errorf("%w: read schema metadata: %w", ErrIndexUnavailable, err)
	}
	if vals[0] == nil {
		return fmt.Errorf("%w: index %s has no schema metadata; rebuild it with `cachectl clear --yes`",
			ErrSchemaMismatch, r.schema.Name)
	}

	stored, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return fmt.Errorf("%w: bad recorded dimension %v", ErrSchemaMismatch, vals[0])
	}
	if stored != r.schema.Dimension {
		return fmt.Errorf("%w: index %s has dimension %d, configured %d",
			ErrSchemaMismatch, r.schema.Name, stored, r.schema.Dimension)
	}

	layout, _ := vals[1].(string)
	if layout != topicTagLayout {
		return fmt.Errorf("%w: index %s topic tag layout %q, want %q; rebuild it with `cachectl clear --yes`",
			ErrSchemaMismatch, r.schema.Name, layout, topicTagLayout)
	}
	return nil
}

// Upsert writes e as a hash under the entry key prefix.
func (r *RedisIndex) Upsert(ctx context.Context, e Entry) error {
	if len(e.Vector) != r.schema.Dimension {
		return fmt.Errorf("%w: entry %s has %d dimensions, index has %d",
			ErrSchemaMismatch, e.ID, len(e.Vector), r.schema.Dimension)
	}
	if err := ValidateTopic(e.Topic); err != nil {
		return err
	}

	created, err := insertOnce.Run(ctx, r.client, []string{r.key(e.ID)}, entryArgs(e)...).Int()
	if err != nil {
		return fmt.Errorf("%w: write entry %s: %w", ErrIndexUnavailable, e.ID, err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", ErrEntryExists, e.ID)
	}
	return nil
}

func entryArgs(e Entry) []interface{} {
	return []interface{}{
		FieldContent, e.Prompt,
		FieldResponse, e.Response,
		FieldTopic, e.Topic,
		FieldVector, floatsToBytes(e.Vector),
		FieldCreatedAt, e.CreatedAt.UnixMilli(),
		FieldTokensSaved, e.TokensSaved,
	}
}

// Search runs a KNN query pre-filtered on the topic tag.
func (r *RedisIndex) Search(ctx context.Context, vector []float32, topic string, k int) ([]Match, error) {
	if len(vector) != r.schema.Dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			ErrSchemaMismatch, len(vector), r.schema.Dimension)
	}
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 1
	}

	res, err := r.client.FTSearchWithArgs(ctx, r.schema.Name, knnQuery(topic, k),
		&redis.FTSearchOptions{
			Return: []redis.FTSearchReturn{
				{FieldName: FieldContent},
				{FieldName: FieldResponse},
				{FieldName: FieldTopic},
				{FieldName: FieldCreatedAt},
				{FieldName: FieldTokensSaved},
				{FieldName: distanceField},
			},
			SortBy:         []redis.FTSearchSortBy{{FieldName: distanceField, Asc: true}},
			DialectVersion: 2,
			Params:         map[string]interface{}{"vec": floatsToBytes(vector)},
			LimitOffset:    0,
			Limit:          k,
		},
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: ft.search %s: %w", ErrIndexUnavailable, r.schema.Name, err)
	}

	matches := make([]Match, 0, len(res.Docs))
	for _, doc := range res.Docs {
		m, err := r.parseDoc(doc.ID, doc.Fields)
		if err != nil {
			r.logger.Warn("skipping malformed cache entry",
				zap.String("key", doc.ID),
				zap.Error(err),
			)
			continue
		}
		if m.Entry.Topic != topic {
			r.logger.Warn("skipping cache entry with foreign topic",
				zap.String("key", doc.ID),
				zap.String("topic", m.Entry.Topic),
				zap.String("want_topic", topic),
			)
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (r *RedisIndex) parseDoc(key string, fields map[string]string) (Match, error) {
	response, ok := fields[FieldResponse]
	if !ok || response == "" {
		return Match{}, fmt.Errorf("%w: missing %s", ErrSchemaMismatch, FieldResponse)
	}
	distance, err := strconv.ParseFloat(fields[distanceField], 64)
	if err != nil {
		return Match{}, fmt.Errorf("%w: bad %s %q", ErrSchemaMismatch, distanceField, fields[distanceField])
	}

	e := Entry{
		ID:       strings.TrimPrefix(key, r.schema.KeyPrefix),
		Prompt:   fields[FieldContent],
		Response: response,
		Topic:    fields[FieldTopic],
	}
	if v := fields[FieldCreatedAt]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Match{}, fmt.Errorf("%w: bad %s %q", ErrSchemaMismatch, FieldCreatedAt, v)
		}
		e.CreatedAt = time.UnixMilli(ms)
	}
	if v := fields[FieldTokensSaved]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Match{}, fmt.Errorf("%w: bad %s %q", ErrSchemaMismatch, FieldTokensSaved, v)
		}
		e.TokensSaved = n
	}

	return Match{Entry: e, Distance: distance}, nil
}

// DeleteOlderThan removes entries whose created_at precedes cutoff.
func (r *RedisIndex) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf("@%s:[-inf (%d]", FieldCreatedAt, cutoff.UnixMilli())
	deleted := 0

	for {
		res, err := r.client.FTSearchWithArgs(ctx, r.schema.Name, query, &redis.FTSearchOptions{
			NoContent:   true,
			LimitOffset: 0,
			Limit:       sweepBatch,
		}).Result()
		if err != nil {
			return deleted, fmt.Errorf("%w: sweep search: %w", ErrIndexUnavailable, err)
		}
		if len(res.Docs) == 0 {
			return deleted, nil
		}

		keys := make([]string, 0, len(res.Docs))
		for _, doc := range res.Docs {
			keys = append(keys, doc.ID)
		}
		n, err := r.client.Del(ctx, keys...).Result()
		if err != nil {
			return deleted, fmt.Errorf("%w: sweep delete: %w", ErrIndexUnavailable, err)
		}
		deleted += int(n)

		if len(res.Docs) < sweepBatch || n == 0 {
			return deleted, nil
		}
	}
}

// Clear drops the index together with its documents and re-creates it.
func (r *RedisIndex) Clear(ctx context.Context) error {
	err := r.client.FTDropIndexWithArgs(ctx, r.schema.Name, &redis.FTDropIndexOptions{
		DeleteDocs: true,
	}).Err()
	if err != nil && !isUnknownIndex(err) {
		return fmt.Errorf("%w: drop index: %w", ErrIndexUnavailable, err)
	}
	if err := r.client.Del(ctx, r.metaKey()).Err(); err != nil {
		return fmt.Errorf("%w: drop schema metadata: %w", ErrIndexUnavailable, err)
	}
	return r.create(ctx)
}

// Count returns the number of indexed documents.
func (r *RedisIndex) Count(ctx context.Context) (int, error) {
	info, err := r.client.FTInfo(ctx, r.schema.Name).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: ft.info: %w", ErrIndexUnavailable, err)
	}
	return info.NumDocs, nil
}

// validateAttributes compares FT.INFO attributes with the expected schema.
func validateAttributes(attrs map[string]string) error {
	want := map[string]string{
		FieldContent:     "TEXT",
		FieldResponse:    "TEXT",
		FieldTopic:       "TAG",
		FieldVector:      "VECTOR",
		FieldCreatedAt:   "NUMERIC",
		FieldTokensSaved: "NUMERIC",
	}
	var problems []string
	for name, typ := range want {
		got, ok := attrs[name]
		switch {
		case !ok:
			problems = append(problems, "missing "+name)
		case got != typ:
			problems = append(problems, fmt.Sprintf("%s is %s, want %s", name, got, typ))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrSchemaMismatch, strings.Join(sorted(problems), "; "))
	}
	return nil
}

func isUnknownIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index") || strings.Contains(msg, "no such index")
}

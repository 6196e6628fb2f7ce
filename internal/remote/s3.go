package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/goccy/go-json"

	"timrs/internal/models"
)

// S3Config locates the bucket documents are stored in.
type S3Config struct {
	Bucket     string
	Endpoint   string // e.g. Tigris or R2; empty uses AWS
	Region     string
	AccessKey  string
	SecretKey  string
	HTTPClient *http.Client
}

// S3Store keeps one object per document at users/{uid}/{collection}/{id}.json.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(ctx context.Context, c S3Config) (*S3Store, error) {
	if c.Bucket == "" {
		return nil, fmt.Errorf("missing S3 configuration")
	}
	region := c.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if c.AccessKey != "" && c.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")))
	}
	if c.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(c.HTTPClient))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: c.Bucket}, nil
}

func (s *S3Store) Name() string { return "s3" }

func userPrefix(userID string) string {
	return "users/" + userID + "/"
}

func collectionPrefix(userID string, coll models.Collection) string {
	return userPrefix(userID) + string(coll) + "/"
}

func objectKey(userID string, coll models.Collection, docID string) string {
	return collectionPrefix(userID, coll) + docID + ".json"
}

func (s *S3Store) Upsert(ctx context.Context, userID string, coll models.Collection, docID string, data json.RawMessage) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(userID, coll, docID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (s *S3Store) Delete(ctx context.Context, userID string, coll models.Collection, docID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(userID, coll, docID)),
	})
	return err
}

func (s *S3Store) Get(ctx context.Context, userID string, coll models.Collection, docID string) (json.RawMessage, error) {
	return s.getKey(ctx, objectKey(userID, coll, docID))
}

func (s *S3Store) getKey(ctx context.Context, key string) (json.RawMessage, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (s *S3Store) keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// List fetches every object in the collection and applies opts in memory.
func (s *S3Store) List(ctx context.Context, userID string, coll models.Collection, opts ListOptions) ([]json.RawMessage, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	keys, err := s.keys(ctx, collectionPrefix(userID, coll))
	if err != nil {
		return nil, err
	}
	docs := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		doc, err := s.getKey(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue // deleted between list and get
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return applyOptions(docs, opts)
}

func (s *S3Store) DeleteAllUnderUser(ctx context.Context, userID string) error {
	keys, err := s.keys(ctx, userPrefix(userID))
	if err != nil {
		return err
	}
	// DeleteObjects takes at most 1000 keys per call.
	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) Close() error { return nil }

// applyOptions filters, orders and truncates docs the way SQLStore.List does.
func applyOptions(docs []json.RawMessage, opts ListOptions) ([]json.RawMessage, error) {
	type entry struct {
		raw    json.RawMessage
		fields map[string]any
	}
	entries := make([]entry, 0, len(docs))
	for _, d := range docs {
		var fields map[string]any
		if err := json.Unmarshal(d, &fields); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		if opts.WhereField != "" && !equalValue(fields[opts.WhereField], opts.WhereValue) {
			continue
		}
		entries = append(entries, entry{raw: d, fields: fields})
	}

	if opts.OrderBy != "" {
		sort.SliceStable(entries, func(i, j int) bool {
			less := lessValue(entries[i].fields[opts.OrderBy], entries[j].fields[opts.OrderBy])
			if opts.Desc {
				return lessValue(entries[j].fields[opts.OrderBy], entries[i].fields[opts.OrderBy])
			}
			return less
		})
	}

	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = e.raw
	}
	return out, nil
}

func equalValue(doc, want any) bool {
	switch w := want.(type) {
	case bool:
		b, ok := doc.(bool)
		return ok && b == w
	case string:
		s, ok := doc.(string)
		return ok && s == w
	}
	return fmt.Sprint(doc) == fmt.Sprint(want)
}

func lessValue(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// ObjectAPI is the subset of the S3 client the object store uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// ObjectStoreConfig configures an ObjectStore.
type ObjectStoreConfig struct {
	Client     ObjectAPI
	Bucket     string
	Prefix     string
	IDProvider IDProvider
	Logger     *zap.Logger
}

// ObjectStore keeps references as objects in an S3-compatible bucket.
type ObjectStore struct {
	client     ObjectAPI
	bucket     string
	prefix     string
	idProvider IDProvider
	logger     *zap.Logger
}

func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	if cfg.Client == nil {
		return nil, newOperationError(opNew, "missing_client", errMissingClient)
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, newOperationError(opNew, "missing_bucket", errMissingBucket)
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		return nil, newOperationError(opNew, "missing_prefix", errMissingPrefix)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ObjectStore{
		client:     cfg.Client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// S3ClientConfig describes how to reach an S3-compatible endpoint.
type S3ClientConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// NewS3Client builds an S3 client with static credentials.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		scheme := "http://"
		if cfg.UseSSL {
			scheme = "https://"
		}
		endpoint = scheme + endpoint
	}
	return s3.NewFromConfig(awsCfg, func(options *s3.Options) {
		if endpoint != "" {
			options.BaseEndpoint = aws.String(endpoint)
		}
		options.UsePathStyle = cfg.PathStyle
	}), nil
}

func (s *ObjectStore) PersistDoc(ctx context.Context, room, docID string, snapshot []byte) (string, error) {
	if err := validateWrite(room, snapshot); err != nil {
		return "", newOperationError(opPersistDoc, "invalid_input", err)
	}
	reference, err := s.idProvider.NewID()
	if err != nil {
		logError(s.logger, opPersistDoc, "id_generation", err, zap.String("room", room))
		return "", newOperationError(opPersistDoc, "id_generation", err)
	}
	key := ObjectKey(s.prefix, room, docID, reference)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(snapshot),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		logError(s.logger, opPersistDoc, "put_object", err, zap.String("room", room), zap.String("key", key))
		return "", newOperationError(opPersistDoc, "put_object", err)
	}
	return reference, nil
}

func (s *ObjectStore) listKeys(ctx context.Context, room, docID string) ([]string, error) {
	prefix := ObjectPrefix(s.prefix, room, docID)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, object := range page.Contents {
			if object.Key != nil {
				keys = append(keys, aws.ToString(object.Key))
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *ObjectStore) RetrieveDoc(ctx context.Context, room, docID string) (*Retrieved, error) {
	keys, err := s.listKeys(ctx, room, docID)
	if err != nil {
		logError(s.logger, opRetrieveDoc, "list_objects", err, zap.String("room", room))
		return nil, newOperationError(opRetrieveDoc, "list_objects", err)
	}
	prefix := ObjectPrefix(s.prefix, room, docID)
	references := make([]string, 0, len(keys))
	blobs := make([][]byte, 0, len(keys))
	for _, key := range keys {
		output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			logError(s.logger, opRetrieveDoc, "get_object", err, zap.String("key", key))
			return nil, newOperationError(opRetrieveDoc, "get_object", err)
		}
		body, err := io.ReadAll(output.Body)
		_ = output.Body.Close()
		if err != nil {
			return nil, newOperationError(opRetrieveDoc, "read_object", err)
		}
		references = append(references, strings.TrimPrefix(key, prefix))
		blobs = append(blobs, body)
	}
	retrieved, err := mergeRetrieved(references, blobs)
	if err != nil {
		logError(s.logger, opRetrieveDoc, "merge", err, zap.String("room", room))
		return nil, newOperationError(opRetrieveDoc, "merge", err)
	}
	return retrieved, nil
}

func (s *ObjectStore) RetrieveStateVector(ctx context.Context, room, docID string) ([]byte, error) {
	retrieved, err := s.RetrieveDoc(ctx, room, docID)
	if err != nil {
		return nil, err
	}
	vector, err := stateVectorOf(retrieved)
	if err != nil {
		return nil, newOperationError(opRetrieveStateVector, "decode", err)
	}
	return vector, nil
}

func (s *ObjectStore) DeleteReferences(ctx context.Context, room, docID string, references []string) error {
	if len(references) == 0 {
		return nil
	}
	identifiers := make([]types.ObjectIdentifier, 0, len(references))
	for _, reference := range references {
		identifiers = append(identifiers, types.ObjectIdentifier{Key: aws.String(ObjectKey(s.prefix, room, docID, reference))})
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: identifiers},
	})
	if err != nil {
		logError(s.logger, opDeleteReferences, "delete_objects", err, zap.String("room", room))
		return newOperationError(opDeleteReferences, "delete_objects", err)
	}
	return nil
}

// Destroy is a no-op; the bucket outlives the process.
func (s *ObjectStore) Destroy(context.Context) error {
	return nil
}

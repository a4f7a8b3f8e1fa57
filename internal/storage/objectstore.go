package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fyrsmithlabs/akidb/internal/core"
)

// ObjectStore is the tiered-storage backend for collection snapshots and
// cold-tier vector blobs. Implementations must make Put atomic from a
// reader's perspective: a concurrent Get either sees the old object or the
// fully-written new one, never a partial write.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

var ErrObjectNotFound = errors.New("storage: object not found")

// ErrKeyEscapesRoot means an object key, once cleaned and joined to the
// object store root, would resolve outside it. Grounded on the teacher's
// internal/sanitize.ValidatePath traversal check, retargeted from MCP
// tool paths to object-store keys: a caller-supplied document or
// collection id must never let "../../etc/passwd"-shaped input escape
// the local object store root.
var ErrKeyEscapesRoot = errors.New("storage: object key escapes store root")

// resolveObjectKey joins key under root and rejects the result if it would
// land outside root after cleaning, catching "../" traversal before any
// filesystem call is made.
func resolveObjectKey(root, key string) (string, error) {
	dst := filepath.Join(root, filepath.FromSlash(key))
	rel, err := filepath.Rel(root, dst)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrKeyEscapesRoot
	}
	return dst, nil
}

// resolveObjectKeyPrefix is resolveObjectKey's counterpart for List, which
// receives a prefix rather than a full key and must tolerate it naming a
// directory that doesn't exist yet.
func resolveObjectKeyPrefix(root, prefix string) (string, error) {
	return resolveObjectKey(root, prefix)
}

// LocalObjectStore stores objects as files under a root directory, writing
// via temp-file-then-rename so readers never observe a partial object.
type LocalObjectStore struct {
	root string
}

func NewLocalObjectStore(root string) (*LocalObjectStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root: %w", err)
	}
	return &LocalObjectStore{root: root}, nil
}

func (l *LocalObjectStore) path(key string) (string, error) {
	return resolveObjectKey(l.root, key)
}

func (l *LocalObjectStore) Put(_ context.Context, key string, data []byte) error {
	dst, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + fmt.Sprintf(".tmp.%d", rand.Int63())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (l *LocalObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	return data, err
}

func (l *LocalObjectStore) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (l *LocalObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	root, err := resolveObjectKeyPrefix(l.root, prefix)
	if err != nil {
		return nil, err
	}
	base := l.root
	err = filepath.Walk(l.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// S3API is the subset of the S3 client ObjectStore needs, so tests can
// substitute a fake without pulling in a live S3 endpoint.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3CompatibleObjectStore stores objects in an S3-compatible bucket (AWS
// S3, MinIO, R2, ...) via aws-sdk-go-v2.
type S3CompatibleObjectStore struct {
	client S3API
	bucket string
}

func NewS3CompatibleObjectStore(client S3API, bucket string) *S3CompatibleObjectStore {
	return &S3CompatibleObjectStore{client: client, bucket: bucket}
}

func (s *S3CompatibleObjectStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return core.Wrap(core.CodeUnavailable, "object-store:"+key, err)
	}
	return nil
}

func (s *S3CompatibleObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, core.Wrap(core.CodeUnavailable, "object-store:"+key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3CompatibleObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return core.Wrap(core.CodeUnavailable, "object-store:"+key, err)
	}
	return nil
}

func (s *S3CompatibleObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, core.Wrap(core.CodeUnavailable, "object-store:"+prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

// MockObjectStore is an in-memory ObjectStore with injectable latency and
// error rate, used to exercise the circuit breaker and snapshot retry path
// in tests without a live backend.
type MockObjectStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	Latency   time.Duration
	ErrorRate float64 // [0,1]; fraction of calls that fail
	History   []string
	recordHist bool
}

func NewMockObjectStore(recordHistory bool) *MockObjectStore {
	return &MockObjectStore{objects: make(map[string][]byte), recordHist: recordHistory}
}

func (m *MockObjectStore) inject(op, key string) error {
	if m.recordHist {
		m.History = append(m.History, op+":"+key)
	}
	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}
	if m.ErrorRate > 0 && rand.Float64() < m.ErrorRate {
		return core.Newf(core.CodeUnavailable, "mock object store: injected failure for %s %s", op, key)
	}
	return nil
}

func (m *MockObjectStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.inject("put", key); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

func (m *MockObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.inject("get", key); err != nil {
		return nil, err
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return data, nil
}

func (m *MockObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.inject("delete", key); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

func (m *MockObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.inject("list", prefix); err != nil {
		return nil, err
	}
	var keys []string
	for k := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

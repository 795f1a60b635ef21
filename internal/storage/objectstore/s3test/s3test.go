// Package s3test provides an in-memory S3 client for tests.
package s3test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type entry struct {
	data     []byte
	etag     string
	modified time.Time
}

// Client implements the PutObject/GetObject/DeleteObject/ListObjectsV2
// subset of *s3.Client. It honours If-Match and If-None-Match on puts.
// Setting an *Err field makes the matching call fail.
type Client struct {
	mu      sync.Mutex
	objects map[string]entry
	version int

	PutErr    error
	GetErr    error
	DeleteErr error
	ListErr   error
}

func New() *Client {
	return &Client{objects: make(map[string]entry)}
}

// Keys returns the stored keys in order.
func (c *Client) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.objects))
	for k := range c.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Object returns the raw bytes stored at key.
func (c *Client) Object(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.objects[key]
	return e.data, ok
}

// SetModified backdates an object, for retention tests.
func (c *Client) SetModified(key string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.objects[key]; ok {
		e.modified = t
		c.objects[key] = e
	}
}

func preconditionFailed() error {
	return &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
}

func (c *Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if c.PutErr != nil {
		return nil, c.PutErr
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := aws.ToString(input.Key)
	current, exists := c.objects[key]
	if input.IfNoneMatch != nil && exists {
		return nil, preconditionFailed()
	}
	if input.IfMatch != nil && (!exists || current.etag != aws.ToString(input.IfMatch)) {
		return nil, preconditionFailed()
	}

	c.version++
	etag := fmt.Sprintf("\"v%d\"", c.version)
	c.objects[key] = entry{data: data, etag: etag, modified: time.Now()}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (c *Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.objects[aws.ToString(input.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(e.data)),
		ContentLength: aws.Int64(int64(len(e.data))),
		ETag:          aws.String(e.etag),
		LastModified:  aws.Time(e.modified),
	}, nil
}

func (c *Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if c.DeleteErr != nil {
		return nil, c.DeleteErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, aws.ToString(input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (c *Client) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := aws.ToString(input.Prefix)
	var keys []string
	for k := range c.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if input.MaxKeys != nil && int(*input.MaxKeys) < len(keys) {
		keys = keys[:*input.MaxKeys]
	}

	out := &s3.ListObjectsV2Output{
		IsTruncated: aws.Bool(false),
		KeyCount:    aws.Int32(int32(len(keys))),
	}
	for _, k := range keys {
		e := c.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(e.data))),
			ETag:         aws.String(e.etag),
			LastModified: aws.Time(e.modified),
		})
	}
	return out, nil
}

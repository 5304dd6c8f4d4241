// Package s3drv implements a driver over an S3 bucket. Folders are key prefixes; an empty
// object whose key ends in "/" marks a folder that has no files yet.
package s3drv

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwerr"
)

const Kind = "s3"

// maxPutObject is the largest object a single PutObject accepts.
const maxPutObject = 5 << 30

func init() {
	driver.Register(Kind, func(opts driver.Options) (driver.Driver, error) {
		return NewFromOptions(opts)
	})
}

type Options struct {
	Bucket string `mapstructure:"bucket" validate:"required"`
	Region string `mapstructure:"region"`

	// Endpoint selects an S3 compatible service (MinIO, Localstack). Setting it turns on
	// path style addressing.
	Endpoint string `mapstructure:"endpoint"`

	// Prefix is prepended to every key.
	Prefix string `mapstructure:"prefix"`

	// AccessKeyID and SecretAccessKey are used when Authenticate is called with empty
	// credentials. With neither set the default credential chain applies.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type Driver struct {
	opts Options

	mu     sync.RWMutex
	client *s3.Client
}

func NewFromOptions(opts driver.Options) (*Driver, error) {
	var o Options
	if err := driver.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}

	return New(o), nil
}

func New(o Options) *Driver {
	if o.Region == "" {
		o.Region = "us-east-1"
	}

	o.Prefix = strings.Trim(o.Prefix, "/")
	return &Driver{opts: o}
}

// NewWithClient creates an already authenticated driver around client.
func NewWithClient(o Options, client *s3.Client) *Driver {
	d := New(o)
	d.client = client
	return d
}

func (d *Driver) Kind() string {
	return Kind
}

// Authenticate treats username and password as an access key pair and checks the pair
// can reach the bucket.
func (d *Driver) Authenticate(ctx context.Context, username, password string) error {
	accessKey, secretKey := username, password
	if accessKey == "" && secretKey == "" {
		accessKey, secretKey = d.opts.AccessKeyID, d.opts.SecretAccessKey
	}

	configOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(d.opts.Region),
	}

	if accessKey != "" && secretKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		configOptions = append(configOptions, awsconfig.WithCredentialsProvider(credProvider))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return gwerr.Wrap(gwerr.InvalidRequest, err, "loading aws config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if d.opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(d.opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.opts.Bucket)})
	if err != nil {
		if code := httpStatus(err); code == http.StatusForbidden || code == http.StatusUnauthorized {
			return gwerr.Wrapf(gwerr.NeedsAuthentication, err, "access to bucket %s denied", d.opts.Bucket)
		}
		return toKindErr(err, d.opts.Bucket)
	}

	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
	return nil
}

func (d *Driver) s3() (*s3.Client, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.client == nil {
		return nil, gwerr.E(gwerr.NeedsAuthentication, "s3 driver is not authenticated")
	}

	return d.client, nil
}

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		MaxUpload: maxPutObject,
		RootFiles: true,
	}
}

func (d *Driver) key(p string) string {
	p = strings.Trim(p, "/")
	switch {
	case d.opts.Prefix == "":
		return p
	case p == "":
		return d.opts.Prefix
	default:
		return d.opts.Prefix + "/" + p
	}
}

// dirKey is the key prefix of everything inside folder p.
func (d *Driver) dirKey(p string) string {
	k := d.key(p)
	if k == "" {
		return ""
	}

	return k + "/"
}

func (d *Driver) rel(key string) string {
	key = strings.TrimSuffix(key, "/")
	if d.opts.Prefix == "" {
		return key
	}

	return strings.TrimPrefix(strings.TrimPrefix(key, d.opts.Prefix), "/")
}

func (d *Driver) FileCreate(ctx context.Context, p string, r io.Reader, mimeType string) (*driver.FileInfo, error) {
	client, err := d.s3()
	if err != nil {
		return nil, err
	}

	if strings.Trim(p, "/") == "" {
		return nil, gwerr.E(gwerr.InvalidRequest, "cannot create a file at the root")
	}

	if exists, err := d.exists(ctx, client, p); err != nil {
		return nil, err
	} else if exists {
		return nil, gwerr.E(gwerr.AlreadyExists, "%s already exists", p)
	}

	if err := d.put(ctx, client, p, r, mimeType); err != nil {
		return nil, err
	}

	return d.FileInfo(ctx, p)
}

func (d *Driver) FileUpdate(ctx context.Context, p string, r io.Reader) (*driver.FileInfo, error) {
	client, err := d.s3()
	if err != nil {
		return nil, err
	}

	current, err := d.FileInfo(ctx, p)
	if err != nil {
		return nil, err
	}

	if current.IsDir {
		return nil, gwerr.E(gwerr.InvalidRequest, "%s is a folder", p)
	}

	if err := d.put(ctx, client, p, r, current.MimeType); err != nil {
		return nil, err
	}

	return d.FileInfo(ctx, p)
}

func (d *Driver) put(ctx context.Context, client *s3.Client, p string, r io.Reader, mimeType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(d.opts.Bucket),
		Key:    aws.String(d.key(p)),
		Body:   r,
	}

	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}

	_, err := client.PutObject(ctx, input)
	return toKindErr(err, p)
}

func (d *Driver) FileDelete(ctx context.Context, p string) error {
	client, err := d.s3()
	if err != nil {
		return err
	}

	if _, err := d.head(ctx, client, d.key(p)); err != nil {
		return err
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.opts.Bucket),
		Key:    aws.String(d.key(p)),
	})
	return toKindErr(err, p)
}

func (d *Driver) FileGet(ctx context.Context, p string) (io.ReadCloser, *driver.FileInfo, error) {
	client, err := d.s3()
	if err != nil {
		return nil, nil, err
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.opts.Bucket),
		Key:    aws.String(d.key(p)),
	})
	if err != nil {
		return nil, nil, toKindErr(err, p)
	}

	p = strings.Trim(p, "/")
	fi := &driver.FileInfo{
		Name:     path.Base(p),
		Path:     p,
		Size:     aws.ToInt64(result.ContentLength),
		MimeType: aws.ToString(result.ContentType),
		ModTime:  aws.ToTime(result.LastModified),
	}

	return result.Body, fi, nil
}

// FileInfo reports objects as files and key prefixes as folders.
func (d *Driver) FileInfo(ctx context.Context, p string) (*driver.FileInfo, error) {
	client, err := d.s3()
	if err != nil {
		return nil, err
	}

	p = strings.Trim(p, "/")
	if p == "" {
		return &driver.FileInfo{IsDir: true}, nil
	}

	head, err := d.head(ctx, client, d.key(p))
	if err == nil {
		return &driver.FileInfo{
			Name:     path.Base(p),
			Path:     p,
			Size:     aws.ToInt64(head.ContentLength),
			MimeType: aws.ToString(head.ContentType),
			ModTime:  aws.ToTime(head.LastModified),
		}, nil
	}

	if !gwerr.Is(err, gwerr.NotFound) {
		return nil, err
	}

	isDir, err := d.prefixExists(ctx, client, d.dirKey(p))
	if err != nil {
		return nil, err
	}

	if !isDir {
		return nil, gwerr.E(gwerr.NotFound, "%s not found", p)
	}

	return &driver.FileInfo{Name: path.Base(p), Path: p, IsDir: true}, nil
}

func (d *Driver) FileList(ctx context.Context, p string) ([]driver.FileInfo, error) {
	client, err := d.s3()
	if err != nil {
		return nil, err
	}

	prefix := d.dirKey(p)
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.opts.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var (
		list  []driver.FileInfo
		found bool
	)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, toKindErr(err, p)
		}

		for _, cp := range page.CommonPrefixes {
			found = true
			rel := d.rel(aws.ToString(cp.Prefix))
			list = append(list, driver.FileInfo{Name: path.Base(rel), Path: rel, IsDir: true})
		}

		for _, obj := range page.Contents {
			found = true
			key := aws.ToString(obj.Key)
			if key == prefix {
				// folder marker
				continue
			}

			rel := d.rel(key)
			list = append(list, driver.FileInfo{
				Name:    path.Base(rel),
				Path:    rel,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	if !found && strings.Trim(p, "/") != "" {
		return nil, gwerr.E(gwerr.NotFound, "%s not found", p)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	return list, nil
}

func (d *Driver) FileMove(ctx context.Context, src, dst string) error {
	if err := d.FileCopy(ctx, src, dst); err != nil {
		return err
	}

	return d.FileDelete(ctx, src)
}

func (d *Driver) FileCopy(ctx context.Context, src, dst string) error {
	client, err := d.s3()
	if err != nil {
		return err
	}

	if exists, err := d.exists(ctx, client, dst); err != nil {
		return err
	} else if exists {
		return gwerr.E(gwerr.AlreadyExists, "%s already exists", dst)
	}

	return d.copyObject(ctx, client, d.key(src), d.key(dst))
}

func (d *Driver) copyObject(ctx context.Context, client *s3.Client, srcKey, dstKey string) error {
	_, err := client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.opts.Bucket),
		CopySource: aws.String(d.opts.Bucket + "/" + escapeKey(srcKey)),
		Key:        aws.String(dstKey),
	})

	return toKindErr(err, d.rel(srcKey))
}

func (d *Driver) FolderCreate(ctx context.Context, p string) error {
	client, err := d.s3()
	if err != nil {
		return err
	}

	if exists, err := d.exists(ctx, client, p); err != nil {
		return err
	} else if exists {
		return gwerr.E(gwerr.AlreadyExists, "%s already exists", p)
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.opts.Bucket),
		Key:    aws.String(d.dirKey(p)),
		Body:   strings.NewReader(""),
	})
	return toKindErr(err, p)
}

func (d *Driver) FolderDelete(ctx context.Context, p string) error {
	if strings.Trim(p, "/") == "" {
		return gwerr.E(gwerr.PermissionDenied, "cannot delete the root folder")
	}

	client, err := d.s3()
	if err != nil {
		return err
	}

	keys, err := d.listKeys(ctx, client, d.dirKey(p))
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return gwerr.E(gwerr.NotFound, "%s not found", p)
	}

	// DeleteObjects takes at most 1000 keys.
	for start := 0; start < len(keys); start += 1000 {
		end := start + 1000
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}

		_, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.opts.Bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return toKindErr(err, p)
		}
	}

	return nil
}

// FolderMove copies every key under src, then deletes src. S3 has no rename.
func (d *Driver) FolderMove(ctx context.Context, src, dst string) error {
	client, err := d.s3()
	if err != nil {
		return err
	}

	if exists, err := d.exists(ctx, client, dst); err != nil {
		return err
	} else if exists {
		return gwerr.E(gwerr.AlreadyExists, "%s already exists", dst)
	}

	srcPrefix, dstPrefix := d.dirKey(src), d.dirKey(dst)
	keys, err := d.listKeys(ctx, client, srcPrefix)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return gwerr.E(gwerr.NotFound, "%s not found", src)
	}

	for _, k := range keys {
		if err := d.copyObject(ctx, client, k, dstPrefix+strings.TrimPrefix(k, srcPrefix)); err != nil {
			return err
		}
	}

	return d.FolderDelete(ctx, src)
}

func (d *Driver) FolderList(ctx context.Context, p string) ([]driver.FileInfo, error) {
	client, err := d.s3()
	if err != nil {
		return nil, err
	}

	prefix := d.dirKey(p)
	keys, err := d.listKeys(ctx, client, prefix)
	if err != nil {
		return nil, err
	}

	if len(keys) == 0 && strings.Trim(p, "/") != "" {
		return nil, gwerr.E(gwerr.NotFound, "%s not found", p)
	}

	seen := make(map[string]bool)
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		parts := strings.Split(rest, "/")
		// every segment but the last names a folder
		for i := 1; i < len(parts); i++ {
			seen[strings.Join(parts[:i], "/")] = true
		}
	}

	base := strings.Trim(p, "/")
	folders := make([]driver.FileInfo, 0, len(seen))
	for f := range seen {
		rel := f
		if base != "" {
			rel = base + "/" + f
		}
		folders = append(folders, driver.FileInfo{Name: path.Base(rel), Path: rel, IsDir: true})
	}

	sort.Slice(folders, func(i, j int) bool {
		di, dj := strings.Count(folders[i].Path, "/"), strings.Count(folders[j].Path, "/")
		if di != dj {
			return di < dj
		}
		return folders[i].Path < folders[j].Path
	})

	return folders, nil
}

func (d *Driver) Quota(_ context.Context, _ string) (*driver.Quota, error) {
	return nil, gwerr.E(gwerr.Unsupported, "s3 buckets have no quota")
}

func (d *Driver) head(ctx context.Context, client *s3.Client, key string) (*s3.HeadObjectOutput, error) {
	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, toKindErr(err, d.rel(key))
	}

	return out, nil
}

// exists reports whether p is an object or a folder prefix.
func (d *Driver) exists(ctx context.Context, client *s3.Client, p string) (bool, error) {
	_, err := d.head(ctx, client, d.key(p))
	switch {
	case err == nil:
		return true, nil
	case !gwerr.Is(err, gwerr.NotFound):
		return false, err
	}

	return d.prefixExists(ctx, client, d.dirKey(p))
}

func (d *Driver) prefixExists(ctx context.Context, client *s3.Client, prefix string) (bool, error) {
	out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.opts.Bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, toKindErr(err, d.rel(prefix))
	}

	return len(out.Contents) > 0, nil
}

func (d *Driver) listKeys(ctx context.Context, client *s3.Client, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.opts.Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, toKindErr(err, d.rel(prefix))
		}

		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return strings.Join(segments, "/")
}

func httpStatus(err error) int {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}

	return 0
}

func toKindErr(err error, p string) error {
	if err == nil {
		return nil
	}

	var (
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		noSuchBucket *types.NoSuchBucket
		apiErr       smithy.APIError
	)

	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return gwerr.Wrapf(gwerr.NotFound, err, "%s not found", p)
	case errors.As(err, &noSuchBucket):
		return gwerr.Wrapf(gwerr.NotFound, err, "bucket not found")
	}

	switch httpStatus(err) {
	case http.StatusNotFound:
		return gwerr.Wrapf(gwerr.NotFound, err, "%s not found", p)
	case http.StatusForbidden:
		return gwerr.Wrapf(gwerr.PermissionDenied, err, "%s", p)
	case http.StatusUnauthorized:
		return gwerr.Wrapf(gwerr.NeedsAuthentication, err, "%s", p)
	}

	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooLarge" {
		return gwerr.Wrapf(gwerr.InvalidRequest, err, "%s is too large", p)
	}

	return gwerr.Wrapf(gwerr.BackendFailure, err, "%s", p)
}

package storageutil

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrObjectNotFound indicates an object was not found.
var ErrObjectNotFound = errors.New("object not found")

// Timeout bounds every read and write.
var Timeout = 30 * time.Second

func notFound(err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return ErrObjectNotFound
	}
	return err
}

// CompressedWrite compresses and writes data to the bucket.
func CompressedWrite(ctx context.Context, b *blob.Bucket, objectName string, d interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	ow, err := b.NewWriter(ctx, objectName, &blob.WriterOptions{ContentEncoding: "lz4"})
	if err != nil {
		return err
	}
	zw := lz4.NewWriter(ow)
	_ = zw.Apply(lz4.CompressionLevelOption(lz4.Level9))
	jw := json.NewEncoder(zw)
	err = jw.Encode(d)
	if err != nil {
		_ = ow.Close()
		return err
	}
	err = zw.Close()
	if err != nil {
		_ = ow.Close()
		return err
	}
	return ow.Close()
}

// UnmarshalCompressed reads compressed JSON data from the bucket and
// unmarshals it. A missing object is reported with ErrObjectNotFound.
func UnmarshalCompressed(ctx context.Context, b *blob.Bucket, objectName string, d interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	or, err := b.NewReader(ctx, objectName, nil)
	if err != nil {
		return notFound(err)
	}
	defer or.Close()
	zr := lz4.NewReader(or)
	return json.NewDecoder(zr).Decode(d)
}

// Write stores data as is.
func Write(ctx context.Context, b *blob.Bucket, objectName, contentType string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	return b.WriteAll(ctx, objectName, data, &blob.WriterOptions{ContentType: contentType})
}

// Read returns the object and its content type.
func Read(ctx context.Context, b *blob.Bucket, objectName string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	r, err := b.NewReader(ctx, objectName, nil)
	if err != nil {
		return nil, "", notFound(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	return data, r.ContentType(), nil
}

/*
Vaultmail - Encrypted multi-user mail and calendar store.
Copyright © 2024 Vaultmail contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/themadorg/vaultmail/internal/storage"
)

// pollTimeout bounds a single long-poll round trip to the row store; Poll
// loops across rounds until ctx is done, the same way a live IMAP IDLE would
// re-issue its long poll every minute or so.
const pollTimeout = 55 * time.Second

// Store is the cloud Storage backend: K2V-shaped rows plus an S3-compatible
// blob bucket, both pointed at the same cluster by Config.
type Store struct {
	cfg Config
	k2v *k2vClient
	s3  *minio.Client
}

// New dials the blob bucket (the row half is stateless HTTP and needs no
// dial) and returns a ready Store.
func New(cfg Config) (*Store, error) {
	s3, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.S3UseTLS,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("cloud: new minio client: %w", err)
	}

	return &Store{
		cfg: cfg,
		k2v: newK2VClient(cfg),
		s3:  s3,
	}, nil
}

func (s *Store) Unique() []byte {
	sum := sha256.Sum256([]byte(s.cfg.K2VEndpoint + "|" + s.cfg.K2VBucket + "|" + s.cfg.S3Endpoint + "|" + s.cfg.S3Bucket))
	return sum[:]
}

func (s *Store) Fetch(ctx context.Context, sel storage.Selector) ([]storage.RowValue, error) {
	return s.k2v.fetch(ctx, sel)
}

func (s *Store) Insert(ctx context.Context, values []storage.RowValue) error {
	return s.k2v.insert(ctx, values)
}

func (s *Store) Remove(ctx context.Context, sel storage.Selector) error {
	rows, err := s.k2v.fetch(ctx, sel)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}

	tombstones := make([]storage.RowValue, len(rows))
	for i, r := range rows {
		tombstones[i] = storage.RowValue{Ref: r.Ref, Alternatives: []storage.RowAlternative{{Tombstone: true}}}
	}
	return s.k2v.insert(ctx, tombstones)
}

// Poll re-issues a bounded long poll against the row store until it reports
// a change or ctx is cancelled, so callers can pass a context with no
// deadline and still have Poll return promptly on shutdown.
func (s *Store) Poll(ctx context.Context, ref storage.RowRef) (storage.RowValue, error) {
	for {
		v, err := s.k2v.poll(ctx, ref, pollTimeout)
		if err == nil {
			return v, nil
		}
		if err == context.DeadlineExceeded {
			select {
			case <-ctx.Done():
				return storage.RowValue{}, ctx.Err()
			default:
				continue
			}
		}
		return storage.RowValue{}, err
	}
}

func (s *Store) BlobFetch(ctx context.Context, key storage.BlobRef) (storage.BlobValue, error) {
	obj, err := s.s3.GetObject(ctx, s.cfg.S3Bucket, string(key), minio.GetObjectOptions{})
	if err != nil {
		return storage.BlobValue{}, fmt.Errorf("%w: blob fetch: %v", storage.ErrInternal, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return storage.BlobValue{}, storage.ErrNotFound
		}
		return storage.BlobValue{}, fmt.Errorf("%w: blob stat: %v", storage.ErrInternal, err)
	}

	data := make([]byte, info.Size)
	if _, err := io.ReadFull(obj, data); err != nil {
		return storage.BlobValue{}, fmt.Errorf("%w: blob read: %v", storage.ErrInternal, err)
	}

	return storage.BlobValue{
		Data: data,
		Meta: stripReservedMeta(info.UserMetadata),
		ETag: strings.Trim(info.ETag, `"`),
	}, nil
}

func (s *Store) BlobInsert(ctx context.Context, key storage.BlobRef, data []byte, meta map[string]string) (string, error) {
	info, err := s.s3.PutObject(ctx, s.cfg.S3Bucket, string(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		UserMetadata: meta,
	})
	if err != nil {
		return "", fmt.Errorf("%w: blob insert: %v", storage.ErrInternal, err)
	}
	return strings.Trim(info.ETag, `"`), nil
}

func (s *Store) BlobCopy(ctx context.Context, src, dst storage.BlobRef) error {
	_, err := s.s3.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.cfg.S3Bucket, Object: string(dst)},
		minio.CopySrcOptions{Bucket: s.cfg.S3Bucket, Object: string(src)},
	)
	if err != nil {
		return fmt.Errorf("%w: blob copy: %v", storage.ErrInternal, err)
	}
	return nil
}

func (s *Store) BlobList(ctx context.Context, prefix string) ([]storage.BlobRef, error) {
	var out []storage.BlobRef
	for obj := range s.s3.ListObjects(ctx, s.cfg.S3Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("%w: blob list: %v", storage.ErrInternal, obj.Err)
		}
		out = append(out, storage.BlobRef(obj.Key))
	}
	return out, nil
}

func (s *Store) BlobRm(ctx context.Context, key storage.BlobRef) error {
	if err := s.s3.RemoveObject(ctx, s.cfg.S3Bucket, string(key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: blob rm: %v", storage.ErrInternal, err)
	}
	return nil
}

func stripReservedMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ storage.Storage = (*Store)(nil)

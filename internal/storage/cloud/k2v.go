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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/themadorg/vaultmail/internal/storage"
)

// k2vClient speaks the row half of Config over HTTP, signing every request
// with SigV4 the way the cluster's S3-compatible gateway expects.
type k2vClient struct {
	endpoint string
	bucket   string
	region   string
	creds    aws.Credentials
	signer   *v4.Signer
	http     *http.Client
}

func newK2VClient(cfg Config) *k2vClient {
	return &k2vClient{
		endpoint: strings.TrimSuffix(cfg.K2VEndpoint, "/"),
		bucket:   cfg.K2VBucket,
		region:   cfg.Region,
		creds: aws.Credentials{
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
		},
		signer: v4.NewSigner(),
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

// wireRow is the JSON shape exchanged with the K2V API for one row.
type wireRow struct {
	Shard        string   `json:"pk"`
	Sort         string   `json:"sk"`
	Causality    string   `json:"ct,omitempty"`
	Alternatives []string `json:"v"` // base64-free: hex-encoded; "" element means tombstone
}

func toWireRow(v storage.RowValue) wireRow {
	w := wireRow{Shard: v.Ref.Shard, Sort: v.Ref.Sort, Causality: v.Ref.Causality}
	for _, alt := range v.Alternatives {
		if alt.Tombstone {
			w.Alternatives = append(w.Alternatives, "")
			continue
		}
		w.Alternatives = append(w.Alternatives, hex.EncodeToString(alt.Value))
	}
	return w
}

func fromWireRow(w wireRow) storage.RowValue {
	v := storage.RowValue{Ref: storage.RowRef{Shard: w.Shard, Sort: w.Sort, Causality: w.Causality}}
	for _, raw := range w.Alternatives {
		if raw == "" {
			v.Alternatives = append(v.Alternatives, storage.RowAlternative{Tombstone: true})
			continue
		}
		b, err := hex.DecodeString(raw)
		if err != nil {
			continue
		}
		v.Alternatives = append(v.Alternatives, storage.RowAlternative{Value: b})
	}
	return v
}

func (c *k2vClient) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	u := c.endpoint + "/" + c.bucket + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("cloud: k2v request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	if err := c.signer.SignHTTP(ctx, c.creds, req, payloadHash, "k2v", c.region, time.Now()); err != nil {
		return nil, fmt.Errorf("cloud: sign k2v request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud: k2v request: %w", err)
	}
	return resp, nil
}

func (c *k2vClient) fetch(ctx context.Context, sel storage.Selector) ([]storage.RowValue, error) {
	q := url.Values{}
	var path string

	switch sel.Kind {
	case storage.SelectSingle:
		path = "/" + sel.Shard + "/" + sel.Sort
	case storage.SelectList:
		return c.fetchList(ctx, sel.Refs)
	case storage.SelectRange:
		path = "/" + sel.Shard
		q.Set("start", sel.Start)
		q.Set("end", sel.End)
	case storage.SelectPrefix:
		path = "/" + sel.Shard
		q.Set("prefix", sel.Prefix)
	default:
		return nil, fmt.Errorf("cloud: unknown selector kind %d", sel.Kind)
	}

	resp, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, storage.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		if sel.Kind == storage.SelectSingle {
			return nil, storage.ErrNotFound
		}
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: k2v fetch: unexpected status %d", storage.ErrInternal, resp.StatusCode)
	}

	if sel.Kind == storage.SelectSingle {
		var w wireRow
		if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
			return nil, fmt.Errorf("%w: decode k2v row: %v", storage.ErrInternal, err)
		}
		return []storage.RowValue{fromWireRow(w)}, nil
	}

	var ws []wireRow
	if err := json.NewDecoder(resp.Body).Decode(&ws); err != nil {
		return nil, fmt.Errorf("%w: decode k2v rows: %v", storage.ErrInternal, err)
	}
	out := make([]storage.RowValue, len(ws))
	for i, w := range ws {
		out[i] = fromWireRow(w)
	}
	return out, nil
}

func (c *k2vClient) fetchList(ctx context.Context, refs []storage.RowRef) ([]storage.RowValue, error) {
	body, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("cloud: encode row list: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/_batch_fetch", nil, body)
	if err != nil {
		return nil, storage.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: k2v batch fetch: unexpected status %d", storage.ErrInternal, resp.StatusCode)
	}

	var ws []wireRow
	if err := json.NewDecoder(resp.Body).Decode(&ws); err != nil {
		return nil, fmt.Errorf("%w: decode k2v rows: %v", storage.ErrInternal, err)
	}
	out := make([]storage.RowValue, len(ws))
	for i, w := range ws {
		out[i] = fromWireRow(w)
	}
	return out, nil
}

func (c *k2vClient) insert(ctx context.Context, values []storage.RowValue) error {
	ws := make([]wireRow, len(values))
	for i, v := range values {
		ws[i] = toWireRow(v)
	}
	body, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("cloud: encode rows: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/_batch_insert", nil, body)
	if err != nil {
		return storage.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: k2v insert: unexpected status %d", storage.ErrInternal, resp.StatusCode)
	}
	return nil
}

func (c *k2vClient) poll(ctx context.Context, ref storage.RowRef, timeout time.Duration) (storage.RowValue, error) {
	q := url.Values{}
	q.Set("causality_token", ref.Causality)
	q.Set("timeout", strconv.Itoa(int(timeout.Seconds())))

	resp, err := c.do(ctx, http.MethodGet, "/"+ref.Shard+"/"+ref.Sort, q, nil)
	if err != nil {
		return storage.RowValue{}, storage.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return storage.RowValue{Ref: ref}, context.DeadlineExceeded
	}
	if resp.StatusCode != http.StatusOK {
		return storage.RowValue{}, fmt.Errorf("%w: k2v poll: unexpected status %d", storage.ErrInternal, resp.StatusCode)
	}

	var w wireRow
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return storage.RowValue{}, fmt.Errorf("%w: decode k2v row: %v", storage.ErrInternal, err)
	}
	return fromWireRow(w), nil
}

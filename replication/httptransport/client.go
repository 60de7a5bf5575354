package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/replication"
	"github.com/hupe1980/shardblob/token"
)

const maxErrorBody = 4 << 10

// Client is a replication.PeerClient over HTTP. Hosts are host:port pairs.
type Client struct {
	http   *http.Client
	scheme string
}

var _ replication.PeerClient = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithScheme sets the URL scheme, http by default.
func WithScheme(scheme string) ClientOption {
	return func(cl *Client) { cl.scheme = scheme }
}

// NewClient creates a client.
func NewClient(optFns ...ClientOption) *Client {
	c := &Client{http: http.DefaultClient, scheme: "http"}
	for _, fn := range optFns {
		fn(c)
	}
	return c
}

func (c *Client) url(host, path string) string {
	if strings.Contains(host, "://") {
		return strings.TrimSuffix(host, "/") + path
	}
	return (&url.URL{Scheme: c.scheme, Host: host, Path: path}).String()
}

// ReplicaMetadata sends req to host.
func (c *Client) ReplicaMetadata(ctx context.Context, host string, req *replication.Request) (*replication.Response, error) {
	var body bytes.Buffer
	if _, err := req.WriteTo(&body); err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(host, MetadataPath), &body)
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", contentTypeBinary)

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	return replication.ReadResponse(resp.Body, clustermap.PartitionReader{}, token.Factory{})
}

// FetchRecord reads the current PUT record of key from host.
func (c *Client) FetchRecord(ctx context.Context, host string, partition clustermap.PartitionID, key string) (model.Record, error) {
	path := "/v1/replication/partitions/" + partition.String() + "/blobs/" + EncodeKey(key)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(host, path), nil)
	if err != nil {
		return model.Record{}, err
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		return model.Record{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		switch resp.Header.Get(headerError) {
		case errUnknownPartition:
			return model.Record{}, fmt.Errorf("%w: %s on %s", model.ErrUnknownPartition, partition, host)
		case errNotFound:
			return model.Record{}, fmt.Errorf("%w: %q", model.ErrBlobNotFound, key)
		case errDeletedOrExpired:
			return model.Record{}, fmt.Errorf("%w: %q", model.ErrBlobDeletedOrExpired, key)
		}
		return model.Record{}, statusError(resp)
	}

	rec := model.Record{Kind: model.KindPut, Key: key}
	if rec.LSN, err = strconv.ParseUint(resp.Header.Get(headerLSN), 10, 64); err != nil {
		return model.Record{}, fmt.Errorf("bad %s header: %w", headerLSN, err)
	}
	if rec.CreatedAt, err = strconv.ParseInt(resp.Header.Get(headerCreatedAt), 10, 64); err != nil {
		return model.Record{}, fmt.Errorf("bad %s header: %w", headerCreatedAt, err)
	}
	if rec.ExpiresAt, err = strconv.ParseInt(resp.Header.Get(headerExpiresAt), 10, 64); err != nil {
		return model.Record{}, fmt.Errorf("bad %s header: %w", headerExpiresAt, err)
	}
	if rec.Payload, err = io.ReadAll(resp.Body); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
}

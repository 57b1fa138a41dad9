package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prxssh/rabbit/internal/bencode"
)

type httpOptions struct {
	timeout               time.Duration
	idleConnTimeout       time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
}

func defaultHTTPOptions() httpOptions {
	return httpOptions{
		timeout:               30 * time.Second,
		idleConnTimeout:       30 * time.Second,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 15 * time.Second,
	}
}

// httpClient issues BEP 3 announce requests against a single tracker URL.
type httpClient struct {
	base      *url.URL
	client    *http.Client
	trackerID string
}

func newHTTPClient(base *url.URL, opts httpOptions) *httpClient {
	tr := &http.Transport{
		MaxIdleConns:          100,
		IdleConnTimeout:       opts.idleConnTimeout,
		TLSHandshakeTimeout:   opts.tlsHandshakeTimeout,
		ResponseHeaderTimeout: opts.responseHeaderTimeout,
	}
	return &httpClient{base: base, client: &http.Client{Transport: tr, Timeout: opts.timeout}}
}

func (c *httpClient) announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(params), nil)
	if err != nil {
		return nil, &UnavailableError{Cause: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &UnavailableError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &UnavailableError{Cause: fmt.Errorf("http status %d: %s", resp.StatusCode, body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnavailableError{Cause: err}
	}

	out, err := parseAnnounceResponse(body)
	if err != nil {
		return nil, err
	}
	if out.TrackerID != "" {
		c.trackerID = out.TrackerID
	}
	return out, nil
}

func (c *httpClient) buildURL(params AnnounceParams) string {
	u := *c.base
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}
	if c.trackerID != "" {
		q.Set("trackerid", c.trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(body []byte) (*AnnounceResponse, error) {
	raw, err := bencode.Unmarshal(body)
	if err != nil {
		return nil, &UnavailableError{Cause: err}
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, &UnavailableError{Cause: fmt.Errorf("announce response is %T, not a dict", raw)}
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, &RejectedError{Reason: reason}
	}

	interval, err := toInt(dict["interval"])
	if err != nil {
		return nil, &UnavailableError{Cause: fmt.Errorf("interval: %w", err)}
	}

	peers, err := parsePeers(dict)
	if err != nil {
		return nil, &UnavailableError{Cause: fmt.Errorf("peers: %w", err)}
	}

	minInterval, _ := toInt(dict["min interval"])
	seeders, _ := toInt(dict["complete"])
	leechers, _ := toInt(dict["incomplete"])
	trackerID, _ := dict["trackerid"].(string)

	return &AnnounceResponse{
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
		TrackerID:   trackerID,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
	}, nil
}

func toInt(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
	return n, nil
}


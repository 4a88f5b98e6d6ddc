// Package trackerclient implements a JSON-over-HTTP tracker protocol:
// an announce endpoint returning a peer list plus a reannounce interval,
// and an optional scrape endpoint.
package trackerclient

import (
	"encoding/hex"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/talhaorak/peerengine/peererr"
)

// Client announces to one tracker URL.
type Client struct {
	baseURL string
	http    *resty.Client
}

// New returns a Client for the given tracker base URL (e.g.
// "http://tracker.example/").
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: resty.New()}
}

// AnnounceRequest is the JSON body POSTed to <tracker_url>announce.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     string
	IP         string
	Port       int
	Downloaded int64
	Uploaded   int64
	IsSeeder   bool
}

type announceWire struct {
	InfoHash   string `json:"info_hash"`
	PeerID     string `json:"peer_id"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Downloaded int64  `json:"downloaded"`
	Uploaded   int64  `json:"uploaded"`
	IsSeeder   bool   `json:"is_seeder"`
}

// PeerInfo is one entry of an announce response's peer list.
type PeerInfo struct {
	PeerID   string `json:"peer_id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	IsSeeder bool   `json:"is_seeder"`
}

// AnnounceResponse is the tracker's JSON reply.
type AnnounceResponse struct {
	Peers    []PeerInfo `json:"peers"`
	Interval int        `json:"interval"`
}

// Announce POSTs req to <tracker_url>announce and decodes the response.
func (c *Client) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	body := announceWire{
		InfoHash:   hex.EncodeToString(req.InfoHash[:]),
		PeerID:     req.PeerID,
		IP:         req.IP,
		Port:       req.Port,
		Downloaded: req.Downloaded,
		Uploaded:   req.Uploaded,
		IsSeeder:   req.IsSeeder,
	}

	var out AnnounceResponse
	resp, err := c.http.R().
		SetBody(body).
		SetResult(&out).
		Post(c.baseURL + "announce")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", peererr.ErrTrackerUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", peererr.ErrTrackerUnavailable, resp.StatusCode())
	}

	return &out, nil
}

// ScrapeFileStats is one entry of a scrape response.
type ScrapeFileStats struct {
	Complete   int `json:"complete"`
	Incomplete int `json:"incomplete"`
	Downloaded int `json:"downloaded"`
}

// ScrapeResponse is the tracker's scrape reply, keyed by hex info-hash.
type ScrapeResponse struct {
	Files map[string]ScrapeFileStats `json:"files"`
}

// Scrape queries <tracker_url>scrape. Scrape is optional; callers should
// treat a TrackerUnavailable error here as non-fatal.
func (c *Client) Scrape() (*ScrapeResponse, error) {
	var out ScrapeResponse
	resp, err := c.http.R().
		SetResult(&out).
		Get(c.baseURL + "scrape")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", peererr.ErrTrackerUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", peererr.ErrTrackerUnavailable, resp.StatusCode())
	}
	return &out, nil
}

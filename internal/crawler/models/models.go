// Package models defines the wire types exchanged over the Redis task and
// result queues.
//
// Wire encoding follows protojson conventions: field names are camelCase and
// 64-bit integer fields are encoded as JSON strings. Zero-valued counters,
// empty items and an empty error message are omitted; ids, keyword, taskId
// and every Item field are always emitted. This keeps the Go
// worker byte-compatible with cooperating workers written in other
// languages that share the same Redis queues.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ItemStatus is the sale status of a crawled item.
type ItemStatus int

const (
	// StatusOnSale marks an item still listed for sale.
	StatusOnSale ItemStatus = 0
	// StatusSold marks an item that has already sold.
	StatusSold ItemStatus = 1
)

// Item is a single crawled marketplace listing.
type Item struct {
	SourceID string     `json:"sourceId"`
	Title    string     `json:"title"`
	Price    uint32     `json:"price"`
	ImageURL string     `json:"imageUrl"`
	ItemURL  string     `json:"itemUrl"`
	Status   ItemStatus `json:"status"`
}

// CrawlRequest is a unit of work popped from the task queue.
type CrawlRequest struct {
	IPID        uint64 `json:"ipId"`
	Keyword     string `json:"keyword"`
	TaskID      string `json:"taskId"`
	CreatedAt   int64  `json:"createdAt"`
	RetryCount  uint32 `json:"retryCount"`
	PagesOnSale uint32 `json:"pagesOnSale"`
	PagesSold   uint32 `json:"pagesSold"`
}

// DefaultPagesOnSale and DefaultPagesSold are applied by NewCrawlRequest
// and by CrawlRequest.UnmarshalJSON when a decoded request omits the field
// or sends 0 — protojson producers are free to drop zero values, so a
// decoded 0 is treated as "not set". A bare struct literal gets no defaults.
const (
	DefaultPagesOnSale = 5
	DefaultPagesSold   = 5
)

// NewCrawlRequest builds a CrawlRequest with the default page counts.
func NewCrawlRequest(ipID uint64, keyword, taskID string, createdAt int64) CrawlRequest {
	return CrawlRequest{
		IPID:        ipID,
		Keyword:     keyword,
		TaskID:      taskID,
		CreatedAt:   createdAt,
		PagesOnSale: DefaultPagesOnSale,
		PagesSold:   DefaultPagesSold,
	}
}

// crawlRequestWire is the on-the-wire shape: ipId/createdAt as strings.
type crawlRequestWire struct {
	IPID        string `json:"ipId"`
	Keyword     string `json:"keyword"`
	TaskID      string `json:"taskId"`
	CreatedAt   string `json:"createdAt"`
	RetryCount  uint32 `json:"retryCount,omitempty"`
	PagesOnSale uint32 `json:"pagesOnSale,omitempty"`
	PagesSold   uint32 `json:"pagesSold,omitempty"`
}

// MarshalJSON encodes ipId/createdAt as strings per protojson convention.
func (r CrawlRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(crawlRequestWire{
		IPID:        fmt.Sprintf("%d", r.IPID),
		Keyword:     r.Keyword,
		TaskID:      r.TaskID,
		CreatedAt:   fmt.Sprintf("%d", r.CreatedAt),
		RetryCount:  r.RetryCount,
		PagesOnSale: r.PagesOnSale,
		PagesSold:   r.PagesSold,
	})
}

// UnmarshalJSON decodes ipId/createdAt from either string or numeric form,
// since producers written in other languages may not always stringify them.
func (r *CrawlRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		IPID        json.Number `json:"ipId"`
		Keyword     string      `json:"keyword"`
		TaskID      string      `json:"taskId"`
		CreatedAt   json.Number `json:"createdAt"`
		RetryCount  uint32      `json:"retryCount"`
		PagesOnSale uint32      `json:"pagesOnSale"`
		PagesSold   uint32      `json:"pagesSold"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("models: decode CrawlRequest: %w", err)
	}

	ipID, err := parseUint(raw.IPID.String())
	if err != nil {
		return fmt.Errorf("models: decode CrawlRequest.ipId: %w", err)
	}
	createdAt, err := parseInt(raw.CreatedAt.String())
	if err != nil {
		return fmt.Errorf("models: decode CrawlRequest.createdAt: %w", err)
	}

	r.IPID = ipID
	r.Keyword = raw.Keyword
	r.TaskID = raw.TaskID
	r.CreatedAt = createdAt
	r.RetryCount = raw.RetryCount
	r.PagesOnSale = raw.PagesOnSale
	r.PagesSold = raw.PagesSold
	if r.PagesOnSale == 0 {
		r.PagesOnSale = DefaultPagesOnSale
	}
	if r.PagesSold == 0 {
		r.PagesSold = DefaultPagesSold
	}
	return nil
}

// CrawlResponse is a unit of work pushed to the result queue.
type CrawlResponse struct {
	IPID         uint64 `json:"ipId"`
	TaskID       string `json:"taskId"`
	CrawledAt    int64  `json:"crawledAt"`
	Items        []Item `json:"items"`
	TotalFound   uint32 `json:"totalFound"`
	ErrorMessage string `json:"errorMessage"`
	PagesCrawled uint32 `json:"pagesCrawled"`
	RetryCount   uint32 `json:"retryCount"`
}

type crawlResponseWire struct {
	IPID         string `json:"ipId"`
	TaskID       string `json:"taskId"`
	CrawledAt    string `json:"crawledAt"`
	Items        []Item `json:"items,omitempty"`
	TotalFound   uint32 `json:"totalFound,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	PagesCrawled uint32 `json:"pagesCrawled,omitempty"`
	RetryCount   uint32 `json:"retryCount,omitempty"`
}

// MarshalJSON encodes ipId/crawledAt as strings and omits empty items and
// error_message, per spec.
func (c CrawlResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(crawlResponseWire{
		IPID:         fmt.Sprintf("%d", c.IPID),
		TaskID:       c.TaskID,
		CrawledAt:    fmt.Sprintf("%d", c.CrawledAt),
		Items:        c.Items,
		TotalFound:   c.TotalFound,
		ErrorMessage: c.ErrorMessage,
		PagesCrawled: c.PagesCrawled,
		RetryCount:   c.RetryCount,
	})
}

// UnmarshalJSON decodes ipId/crawledAt from either string or numeric form.
func (c *CrawlResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		IPID         json.Number `json:"ipId"`
		TaskID       string      `json:"taskId"`
		CrawledAt    json.Number `json:"crawledAt"`
		Items        []Item      `json:"items"`
		TotalFound   uint32      `json:"totalFound"`
		ErrorMessage string      `json:"errorMessage"`
		PagesCrawled uint32      `json:"pagesCrawled"`
		RetryCount   uint32      `json:"retryCount"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("models: decode CrawlResponse: %w", err)
	}

	ipID, err := parseUint(raw.IPID.String())
	if err != nil {
		return fmt.Errorf("models: decode CrawlResponse.ipId: %w", err)
	}
	crawledAt, err := parseInt(raw.CrawledAt.String())
	if err != nil {
		return fmt.Errorf("models: decode CrawlResponse.crawledAt: %w", err)
	}

	c.IPID = ipID
	c.TaskID = raw.TaskID
	c.CrawledAt = crawledAt
	c.Items = raw.Items
	c.TotalFound = raw.TotalFound
	c.ErrorMessage = raw.ErrorMessage
	c.PagesCrawled = raw.PagesCrawled
	c.RetryCount = raw.RetryCount
	return nil
}

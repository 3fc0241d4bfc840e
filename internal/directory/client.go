// Package directory resolves numeric user ids to display names via the
// user-lookup collaborator service. Resolution is asynchronous and
// best-effort: a participant is fully usable before its name resolves, and
// a missing user simply keeps the placeholder.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/roster"
	"github.com/huddlekit/huddle/internal/storage"
)

// Client looks names up over HTTP and caches results in memory and, when a
// NameDB is attached, on disk.
type Client struct {
	base string
	http *http.Client
	db   *storage.NameDB // optional

	mu    sync.RWMutex
	cache map[int64]string
}

// NewClient creates a directory client. db may be nil for a purely
// in-memory cache.
func NewClient(baseURL string, db *storage.NameDB) *Client {
	return &Client{
		base: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{Timeout: 10 * time.Second},
		db:   db,
	}
}

type userRecord struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
}

// Resolve returns the display name for id. Cached values (memory, then the
// persistent cache) are returned without a network round trip; otherwise the
// lookup service is consulted. A 404 or any transport failure yields the
// placeholder name, never an error: name resolution must not block or fail
// call setup.
func (c *Client) Resolve(ctx context.Context, id int64) string {
	c.mu.RLock()
	name, ok := c.cache[id]
	c.mu.RUnlock()
	if ok {
		return name
	}

	if c.db != nil {
		if name, ok := c.db.Get(id); ok {
			c.remember(id, name, false)
			return name
		}
	}

	name, err := c.fetch(ctx, id)
	if err != nil {
		log.Printf("DIRECTORY: lookup of user %d failed: %v", id, err)
		return roster.Placeholder(id)
	}
	if name == "" {
		return roster.Placeholder(id)
	}
	c.remember(id, name, true)
	return name
}

// fetch performs GET /users/{id}. A 404 returns ("", nil): unknown user is
// not an error, the caller falls back to the placeholder.
func (c *Client) fetch(ctx context.Context, id int64) (string, error) {
	if c.base == "" {
		return "", nil
	}
	url := fmt.Sprintf("%s/users/%d", c.base, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	var rec userRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return "", err
	}
	return rec.DisplayName, nil
}

func (c *Client) remember(id int64, name string, persist bool) {
	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[int64]string)
	}
	c.cache[id] = name
	c.mu.Unlock()

	if persist && c.db != nil {
		if err := c.db.Upsert(id, name); err != nil {
			log.Printf("DIRECTORY: persist name for user %d failed: %v", id, err)
		}
	}
}

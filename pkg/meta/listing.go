package meta

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Collapse folds a name-ordered object stream into the S3 listing shape:
// names containing the delimiter past the prefix collapse into common
// prefixes, everything else is emitted as-is. Names must arrive in byte-wise
// ascending order for the pagination invariants to hold.
type Collapse struct {
	prefix    string
	delimiter string
	maxKeys   int
	token     string

	result   ListObjectsV2Result
	lastName string
}

// NewCollapse returns an incremental collapse. Store implementations that
// page candidates out of the database feed batches through Add until it
// returns false or the candidates run out, then call Done.
func NewCollapse(opts ListObjectsV2Options) *Collapse {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	token := opts.ContinuationToken
	if token == "" {
		token = opts.StartAfter
	}
	return &Collapse{
		prefix:    opts.Prefix,
		delimiter: opts.Delimiter,
		maxKeys:   maxKeys,
		token:     token,
	}
}

// full reports whether maxKeys entries (keys plus common prefixes) have been
// collected.
func (c *Collapse) full() bool {
	return len(c.result.Objects)+len(c.result.CommonPrefixes) >= c.maxKeys
}

// Add consumes one candidate object. It returns false once the page is full,
// which also marks the result truncated.
func (c *Collapse) Add(obj Object) bool {
	if c.full() {
		c.result.IsTruncated = true
		c.result.NextToken = c.lastName
		return false
	}

	name := obj.Name
	if !strings.HasPrefix(name, c.prefix) {
		return true
	}

	if c.delimiter != "" {
		rest := name[len(c.prefix):]
		if idx := strings.Index(rest, c.delimiter); idx >= 0 {
			common := c.prefix + rest[:idx+len(c.delimiter)]
			// Children of an already-emitted (or already-paged) group
			// collapse to a prefix that is not past the token; drop them.
			if common <= c.token {
				return true
			}
			n := len(c.result.CommonPrefixes)
			if n > 0 && c.result.CommonPrefixes[n-1] == common {
				return true
			}
			c.result.CommonPrefixes = append(c.result.CommonPrefixes, common)
			c.lastName = common
			return true
		}
	}

	if name <= c.token {
		return true
	}

	c.result.Objects = append(c.result.Objects, obj)
	c.lastName = name
	return true
}

// Done returns the accumulated page.
func (c *Collapse) Done() *ListObjectsV2Result {
	r := c.result
	return &r
}

// CollapseObjects folds a fully materialised, name-ordered candidate slice
// into the listing result.
func CollapseObjects(candidates []Object, opts ListObjectsV2Options) *ListObjectsV2Result {
	state := NewCollapse(opts)
	for _, obj := range candidates {
		if !state.Add(obj) {
			break
		}
	}
	return state.Done()
}

// EncodeSortToken packs a (timestamp, name) continuation tuple for
// timestamp-sorted listings.
func EncodeSortToken(ts time.Time, name string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "\x00" + name
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeSortToken unpacks a token produced by EncodeSortToken.
func DecodeSortToken(token string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed continuation token: %w", err)
	}
	ts, name, ok := strings.Cut(string(raw), "\x00")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed continuation token")
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed continuation token: %w", err)
	}
	return parsed, name, nil
}

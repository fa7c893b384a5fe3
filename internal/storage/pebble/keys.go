package pebble

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// Key prefixes. Numeric ids are zero padded so that byte order matches
// numeric order.
const (
	prefixDoc    = "doc/"    // doc/{path} → document
	prefixBatch  = "batch/"  // batch/{uid}/{batchID} → batch
	prefixTarget = "target/" // target/{targetID} → target with keys
	prefixMeta   = "meta/"   // meta/{name} → value
)

func documentKey(key model.DocumentKey) []byte {
	return []byte(prefixDoc + key.String())
}

// batchKey builds batch/{uid}/{batchID}. The uid is escaped so that it never
// contains the separator.
func batchKey(uid string, batchID int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", prefixBatch, url.PathEscape(uid), batchID))
}

// parseBatchKey returns the uid and batch id of a batch key.
func parseBatchKey(key []byte) (string, int, error) {
	rest := strings.TrimPrefix(string(key), prefixBatch)
	i := strings.LastIndexByte(rest, '/')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed batch key %q", key)
	}
	uid, err := url.PathUnescape(rest[:i])
	if err != nil {
		return "", 0, fmt.Errorf("malformed batch key %q: %w", key, err)
	}
	id, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed batch key %q: %w", key, err)
	}
	return uid, id, nil
}

func targetKey(id model.TargetID) []byte {
	return []byte(fmt.Sprintf("%s%010d", prefixTarget, id))
}

func metaKey(name string) []byte {
	return []byte(prefixMeta + name)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

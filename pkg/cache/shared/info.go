package shared

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Info describes the shared store as seen by this adapter.
type Info struct {
	Available bool   `json:"available"`
	Prefix    string `json:"prefix"`

	// SegmentSize is the configured memory limit (maxmemory), 0 when the
	// store is unbounded.
	SegmentSize int64 `json:"segment_size"`

	UsedMemory int64 `json:"used_memory"`

	// AvailableMemory is SegmentSize minus UsedMemory, or the free system
	// memory for unbounded stores.
	AvailableMemory int64 `json:"available_memory"`

	// EntryCount counts distinct keys under Prefix only. Keys created or
	// removed while counting may or may not be included.
	EntryCount int64 `json:"entry_count"`

	EvictionPolicy string `json:"eviction_policy"`
}

// Info queries INFO memory and counts the keys under the prefix.
func (a *Adapter) Info(ctx context.Context) (Info, error) {
	info := Info{Available: a.Available(), Prefix: a.prefix}
	if !info.Available {
		return info, nil
	}

	raw, err := a.client.Info(ctx, "memory").Result()
	if err != nil {
		return info, fmt.Errorf("query memory info: %w", err)
	}
	fields := parseInfo(raw)

	info.UsedMemory = fields.int("used_memory")
	info.SegmentSize = fields.int("maxmemory")
	info.EvictionPolicy = fields["maxmemory_policy"]

	switch {
	case info.SegmentSize > 0:
		info.AvailableMemory = max(info.SegmentSize-info.UsedMemory, 0)
	default:
		info.AvailableMemory = max(fields.int("total_system_memory")-info.UsedMemory, 0)
	}

	// SCAN may return a key more than once.
	seen := make(keySet)
	err = a.scan(ctx, escapeGlob(a.prefix)+"*", func(keys []string) error {
		seen.add(keys)
		return nil
	})
	if err != nil {
		return info, fmt.Errorf("count entries: %w", err)
	}
	info.EntryCount = int64(len(seen))

	return info, nil
}

type keySet map[string]struct{}

func (s keySet) add(keys []string) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

type infoFields map[string]string

func (f infoFields) int(name string) int64 {
	n, _ := strconv.ParseInt(f[name], 10, 64)
	return n
}

// parseInfo reads the "name:value" lines of an INFO reply.
func parseInfo(raw string) infoFields {
	fields := make(infoFields)
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if ok {
			fields[name] = value
		}
	}
	return fields
}

package coordinator

import (
	"sort"
	"strings"
	"sync"

	"tokosync/backend/internal/store"
)

// keyedLocks serializes work per record. Keys are always taken in one global
// order (sales, then products, then barcodes, each sorted) so holders never
// deadlock.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

func (k *keyedLocks) lock(keys ...string) func() {
	keys = orderKeys(keys)
	held := make([]*keyedLock, 0, len(keys))
	for _, key := range keys {
		k.mu.Lock()
		l, ok := k.locks[key]
		if !ok {
			l = &keyedLock{}
			k.locks[key] = l
		}
		l.refs++
		k.mu.Unlock()

		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		k.mu.Lock()
		for i, key := range keys {
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.locks, key)
			}
		}
		k.mu.Unlock()
	}
}

func orderKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok || key == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := keyRank(out[i]), keyRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

func keyRank(key string) int {
	switch {
	case strings.HasPrefix(key, string(store.Sales)+"/"):
		return 0
	case strings.HasPrefix(key, string(store.Products)+"/"):
		return 1
	default:
		return 2
	}
}

func saleKey(id string) string {
	return store.Key{Family: store.Sales, ID: id}.String()
}

func productKey(id string) string {
	return store.Key{Family: store.Products, ID: id}.String()
}

func productKeys(ids []string) []string {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, productKey(id))
	}
	return keys
}

func barcodeKey(code string) string {
	return "barcode/" + code
}

package redisbroker

import (
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/bsn2000/dispatchcore/internal/models"
)

// newTestBroker builds a Broker around a client that is never dialed:
// these tests only exercise key-naming, which is pure string formatting.
func newTestBroker(prefix string) *Broker {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	return New(rdb, prefix)
}

func Test_New_DefaultsKeyPrefixWhenEmpty(t *testing.T) {
	b := newTestBroker("")
	if got := b.bandKey(models.PriorityHigh); got != "dispatchcore:band:1" {
		t.Errorf("bandKey = %q, want dispatchcore:band:1", got)
	}
}

func Test_BandKey_NamespacesByPrefixAndPriority(t *testing.T) {
	b := newTestBroker("myapp")
	if got := b.bandKey(models.PriorityCritical); got != "myapp:band:0" {
		t.Errorf("bandKey(Critical) = %q, want myapp:band:0", got)
	}
	if got := b.bandKey(models.PriorityLow); got != "myapp:band:3" {
		t.Errorf("bandKey(Low) = %q, want myapp:band:3", got)
	}
}

func Test_ScheduledKey_NamespacedByPrefix(t *testing.T) {
	b := newTestBroker("myapp")
	if got := b.scheduledKey(); got != "myapp:scheduled" {
		t.Errorf("scheduledKey = %q, want myapp:scheduled", got)
	}
}

func Test_BandKeysInOrder_IsCriticalToLow(t *testing.T) {
	b := newTestBroker("myapp")
	keys := b.bandKeysInOrder()
	want := []string{"myapp:band:0", "myapp:band:1", "myapp:band:2", "myapp:band:3"}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for i, k := range keys {
		if k != want[i] {
			t.Errorf("keys[%d] = %q, want %q (cross-band priority order must be strict)", i, k, want[i])
		}
	}
}

package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-kashier/internal/clock"
)

// Outcome is the last webhook result recorded for an order.
type Outcome struct {
	OrderID   string    `json:"orderId"`
	Status    string    `json:"status"`
	Result    string    `json:"result"`
	Activated bool      `json:"activated"`
	ClearCart bool      `json:"clearCart"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusStore keeps short-lived outcomes for the merchant redirect page.
type StatusStore interface {
	Put(ctx context.Context, o Outcome) error
	Get(ctx context.Context, orderID string) (Outcome, bool, error)
}

// RedisStatusStore keeps outcomes as JSON strings with a TTL. An activated
// outcome is terminal: later non-activated deliveries for the same order,
// which the gateway may send out of order, do not replace it.
type RedisStatusStore struct {
	R   redis.Cmdable
	TTL time.Duration
}

func statusKey(orderID string) string { return "kashier:payment-status:" + orderID }

func activatedKey(orderID string) string { return "kashier:payment-activated:" + orderID }

// KEYS[1] outcome, KEYS[2] activated marker; ARGV[1] payload, ARGV[2] ttl ms,
// ARGV[3] "1" when the outcome is activated.
var putStatusScript = redis.NewScript(`
if ARGV[3] ~= "1" and redis.call("EXISTS", KEYS[2]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
if ARGV[3] == "1" then
	redis.call("SET", KEYS[2], "1", "PX", ARGV[2])
end
return 1
`)

// Put implements StatusStore.
func (s RedisStatusStore) Put(ctx context.Context, o Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	activated := "0"
	if o.Activated {
		activated = "1"
	}
	keys := []string{statusKey(o.OrderID), activatedKey(o.OrderID)}
	if err := putStatusScript.Run(ctx, s.R, keys, payload, ttl.Milliseconds(), activated).Err(); err != nil {
		return fmt.Errorf("put payment status: %w", err)
	}
	return nil
}

// Get implements StatusStore.
func (s RedisStatusStore) Get(ctx context.Context, orderID string) (Outcome, bool, error) {
	raw, err := s.R.Get(ctx, statusKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, fmt.Errorf("get payment status: %w", err)
	}
	var o Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return Outcome{}, false, err
	}
	return o, true, nil
}

// MemoryStatusStore is the process-local StatusStore.
type MemoryStatusStore struct {
	TTL   time.Duration
	Clock clock.Clock

	mu       sync.Mutex
	outcomes map[string]Outcome
}

// NewMemoryStatusStore returns an empty store.
func NewMemoryStatusStore(ttl time.Duration, clk clock.Clock) *MemoryStatusStore {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryStatusStore{TTL: ttl, Clock: clk, outcomes: map[string]Outcome{}}
}

// Put implements StatusStore.
func (s *MemoryStatusStore) Put(_ context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock.Now()
	for id, existing := range s.outcomes {
		if s.TTL > 0 && now.Sub(existing.UpdatedAt) > s.TTL {
			delete(s.outcomes, id)
		}
	}
	if existing, ok := s.outcomes[o.OrderID]; ok && existing.Activated && !o.Activated {
		return nil
	}
	s.outcomes[o.OrderID] = o
	return nil
}

// Get implements StatusStore.
func (s *MemoryStatusStore) Get(_ context.Context, orderID string) (Outcome, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[orderID]
	if !ok || (s.TTL > 0 && s.Clock.Now().Sub(o.UpdatedAt) > s.TTL) {
		return Outcome{}, false, nil
	}
	return o, true, nil
}

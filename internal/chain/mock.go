package chain

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/betpond/settlement/internal/domain"
)

// MockClient simulates the transfer network for local runs. Submissions take
// a short random delay, fail transiently at FailureRate, and confirm after
// ConfirmAfter has elapsed.
type MockClient struct {
	FailureRate  float64
	ConfirmAfter time.Duration

	mu        sync.Mutex
	submitted map[string]time.Time
}

// NewMockClient creates a mock with a 10% transient failure rate.
func NewMockClient() *MockClient {
	return &MockClient{
		FailureRate:  0.1,
		ConfirmAfter: 500 * time.Millisecond,
		submitted:    make(map[string]time.Time),
	}
}

func (c *MockClient) SubmitTransfer(ctx context.Context, from SigningContext, to string, amountMicros int64, chainID int64) (string, error) {
	delay := time.Duration(50+rand.Intn(200)) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return "", fmt.Errorf("submit canceled: %w", ctx.Err())
	}

	if rand.Float64() < c.FailureRate {
		return "", fmt.Errorf("%w: rpc node timeout", domain.ErrTransferUnavailable)
	}

	ref := fmt.Sprintf("0x%016x%08x", time.Now().UnixNano(), rand.Int31())
	c.mu.Lock()
	c.submitted[ref] = time.Now()
	c.mu.Unlock()
	return ref, nil
}

func (c *MockClient) GetConfirmation(ctx context.Context, txRef string) (Confirmation, error) {
	c.mu.Lock()
	at, ok := c.submitted[txRef]
	c.mu.Unlock()
	if !ok {
		return Confirmation{Status: ConfirmationUnknown}, nil
	}
	if time.Since(at) < c.ConfirmAfter {
		return Confirmation{Status: ConfirmationPending}, nil
	}
	return Confirmation{
		Status:   ConfirmationConfirmed,
		BlockRef: fmt.Sprintf("block-%d", at.UnixNano()%1_000_000),
	}, nil
}

// MockKeystore hands out signing contexts for any address.
type MockKeystore struct{}

func NewMockKeystore() *MockKeystore {
	return &MockKeystore{}
}

func (k *MockKeystore) SigningContext(ctx context.Context, address string) (SigningContext, error) {
	return SigningContext{Address: address, KeyRef: "mock:" + address}, nil
}

//go:build integration

package integration

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/Sternrassler/apicache/internal/testutil"
	"github.com/Sternrassler/apicache/pkg/cache/shared"
	"github.com/Sternrassler/apicache/pkg/client"
)

func TestClient_SharedBackendAcrossClients(t *testing.T) {
	redisClient := setupRedis(t)
	ctx := context.Background()

	api := testutil.NewMockAPI()
	defer api.Close()
	api.SetResponse("/v1/courses", testutil.NewJSONResponse(`{"items": ["go"]}`, time.Minute))

	newClient := func() *client.Client {
		adapter, err := shared.New(ctx, shared.DefaultConfig(redisClient))
		if err != nil {
			t.Fatalf("shared.New failed: %v", err)
		}
		cfg := client.DefaultConfig(api.URL(), "integration-test/1.0")
		cfg.RateLimit = 0
		c, err := client.New(cfg, adapter)
		if err != nil {
			t.Fatalf("client.New failed: %v", err)
		}
		return c
	}

	first, second := newClient(), newClient()
	query := url.Values{"page": {"1"}}

	if _, err := first.GetJSON(ctx, "/v1/courses", query); err != nil {
		t.Fatalf("first GetJSON failed: %v", err)
	}
	payload, err := second.GetJSON(ctx, "/v1/courses", query)
	if err != nil {
		t.Fatalf("second GetJSON failed: %v", err)
	}
	if items, _ := payload["items"].([]any); len(items) != 1 {
		t.Errorf("payload = %v", payload)
	}
	if n := api.PathCount("/v1/courses"); n != 1 {
		t.Errorf("upstream requests = %d, want 1", n)
	}

	// the stored TTL follows max-age
	ttl, err := redisClient.TTL(ctx, "apicache:"+first.Key("/v1/courses", query)).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}

	removed, err := second.InvalidatePath(ctx, "/v1/courses")
	if err != nil || removed != 1 {
		t.Errorf("InvalidatePath = %d, %v; want 1, nil", removed, err)
	}
}

package metadata_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"metarelay/metadata"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityID(t *testing.T) {
	assert.Equal(t, "42", metadata.EntityID("/recipe/42"))
	assert.Equal(t, "42", metadata.EntityID("/recipe/42/"))
	assert.Equal(t, "", metadata.EntityID("/"))
	assert.Equal(t, "slug", metadata.EntityID("slug"))
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://api/recipes/42", metadata.EndpointURL("https://api/recipes/{id}", "42"))
	assert.Equal(t, "https://api/chefs/jo/meta?x=1", metadata.EndpointURL("https://api/chefs/{slug}/meta?x=1", "jo"))
	assert.Equal(t, "https://api/r/a%20b", metadata.EndpointURL("https://api/r/{id}", "a b"))
	assert.Equal(t, "https://api/static", metadata.EndpointURL("https://api/static", "42"))
}

func TestResolve(t *testing.T) {
	gotPath := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath <- r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"Salad","description":"Green","image":"http://x/img.png","keywords":"food","rating":5,"extra":{"a":1}}`))
	}))
	defer server.Close()

	resolver := metadata.NewHTTPResolver(server.Client(), time.Second, nil, nil)
	md, err := resolver.Resolve(context.Background(), "/recipe/42/", server.URL+"/recipes/{id}")
	require.NoError(t, err)
	assert.Equal(t, "/recipes/42", <-gotPath)
	assert.Equal(t, metadata.Metadata{Title: "Salad", Description: "Green", Image: "http://x/img.png", Keywords: "food"}, md)
}

func TestResolveIgnoresNonStringFields(t *testing.T) {
	md, err := metadata.Decode([]byte(`{"title":12,"description":null,"image":"i.png"}`))
	require.NoError(t, err)
	assert.Equal(t, metadata.Metadata{Image: "i.png"}, md)
	assert.False(t, md.IsEmpty())
	assert.True(t, metadata.Metadata{}.IsEmpty())
}

func TestResolveUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}},
		{"invalid json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>not json</html>`))
		}},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
			w.Write([]byte(`{"title":"late"}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			resolver := metadata.NewHTTPResolver(server.Client(), 100*time.Millisecond, nil, nil)
			md, err := resolver.Resolve(context.Background(), "/recipe/1", server.URL+"/{id}")
			require.Error(t, err)
			assert.True(t, errors.Is(err, metadata.ErrUnavailable))
			assert.True(t, md.IsEmpty())
		})
	}
}

func TestResolveNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	resolver := metadata.NewHTTPResolver(nil, time.Second, nil, nil)
	_, err := resolver.Resolve(context.Background(), "/recipe/1", url+"/{id}")
	assert.True(t, errors.Is(err, metadata.ErrUnavailable))
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]metadata.Metadata
	failGet bool
}

func (c *memoryCache) Get(_ context.Context, key string) (metadata.Metadata, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet {
		return metadata.Metadata{}, false, errors.New("cache down")
	}
	md, ok := c.entries[key]
	return md, ok, nil
}

func (c *memoryCache) Set(_ context.Context, key string, md metadata.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = md
	return nil
}

func TestResolveUsesCache(t *testing.T) {
	var calls, status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"title":"Cached"}`))
	}))
	defer server.Close()

	cache := &memoryCache{entries: map[string]metadata.Metadata{}}
	resolver := metadata.NewHTTPResolver(server.Client(), time.Second, cache, nil)

	for i := 0; i < 3; i++ {
		md, err := resolver.Resolve(context.Background(), "/recipe/7", server.URL+"/r/{id}")
		require.NoError(t, err)
		assert.Equal(t, "Cached", md.Title)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, cache.entries, server.URL+"/r/7")

	// Failures are never cached.
	status.Store(http.StatusBadGateway)
	_, err := resolver.Resolve(context.Background(), "/recipe/8", server.URL+"/r/{id}")
	assert.Error(t, err)
	assert.NotContains(t, cache.entries, server.URL+"/r/8")
}

func TestResolveCacheFailureFallsBackToFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"title":"Live"}`))
	}))
	defer server.Close()

	cache := &memoryCache{entries: map[string]metadata.Metadata{}, failGet: true}
	resolver := metadata.NewHTTPResolver(server.Client(), time.Second, cache, nil)

	md, err := resolver.Resolve(context.Background(), "/recipe/9", server.URL+"/r/{id}")
	require.NoError(t, err)
	assert.Equal(t, "Live", md.Title)
}

// TestRedisCache runs against a local Redis when one is available.
func TestRedisCache(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cache := metadata.NewRedisCache(client, time.Minute)
	key := "test://" + t.Name()
	defer client.Del(context.Background(), "metadata:"+key)

	_, ok, err := cache.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)

	want := metadata.Metadata{Title: "T", Keywords: "k"}
	require.NoError(t, cache.Set(context.Background(), key, want))

	got, ok, err := cache.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

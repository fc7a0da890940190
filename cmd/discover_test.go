package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/scrape"
)

func newSitemapServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%[1]s/sitemap-products.xml</loc></sitemap>
  <sitemap><loc>https://elsewhere.example/sitemap.xml</loc></sitemap>
</sitemapindex>`, base)
	})
	mux.HandleFunc("/sitemap-products.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/p/widget-1</loc></url>
  <url><loc>%[1]s/p/widget-2</loc></url>
  <url><loc>%[1]s/p/widget-1</loc></url>
  <url><loc>%[1]s/blog/launch</loc></url>
  <url><loc>%[1]s/cart/add</loc></url>
</urlset>`, base)
	})
	srv := httptest.NewServer(mux)
	base = srv.URL
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverTasks_FollowsIndexAndFilters(t *testing.T) {
	srv := newSitemapServer(t)

	tasks, err := discoverTasks(context.Background(), discoverOptions{
		SitemapURL: srv.URL + "/sitemap.xml",
		Retailer:   "shopX",
		TenantID:   "tenant-a",
		Priority:   3,
		Exclude:    scrape.NewPathMatcher([]string{"/cart/*"}),
	})
	require.NoError(t, err)

	var urls []string
	for _, task := range tasks {
		urls = append(urls, strings.TrimPrefix(task.URL, srv.URL))
		assert.Equal(t, "shopX", task.Retailer)
		assert.Equal(t, "tenant-a", task.TenantID)
		assert.Equal(t, 3, task.Priority)
	}
	assert.Equal(t, []string{"/p/widget-1", "/p/widget-2", "/blog/launch"}, urls)
}

func TestDiscoverTasks_MatchAndLimit(t *testing.T) {
	srv := newSitemapServer(t)

	tasks, err := discoverTasks(context.Background(), discoverOptions{
		SitemapURL: srv.URL + "/sitemap-products.xml",
		Retailer:   "shopX",
		Match:      regexp.MustCompile(`/p/`),
		Limit:      1,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, srv.URL+"/p/widget-1", tasks[0].URL)
}

func TestDiscoverTasks_InvalidURL(t *testing.T) {
	_, err := discoverTasks(context.Background(), discoverOptions{SitemapURL: "not a url"})
	assert.Error(t, err)
}

func TestDiscoverTasks_NotFound(t *testing.T) {
	srv := newSitemapServer(t)

	_, err := discoverTasks(context.Background(), discoverOptions{SitemapURL: srv.URL + "/missing.xml"})
	assert.Error(t, err)
}

func TestTaskFile_WriteThenRead(t *testing.T) {
	var buf bytes.Buffer
	in := []model.ScrapeTask{
		{URL: "https://shop.example/p/1", Retailer: "shopX", TenantID: "t1", EAN: "4006381333931", Priority: 2},
		{URL: "https://shop.example/p/2", Retailer: "shopX", TenantID: "t1"},
	}
	require.NoError(t, writeTaskFile(&buf, in))
	assert.Contains(t, buf.String(), "tasks:")

	out, err := readTaskFile(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReadTaskFile(t *testing.T) {
	tasks, err := readTaskFile(strings.NewReader(`
tasks:
  - id: t-1
    url: https://shop.example/p/1
    retailer: shopX
    tenant_id: tenant-a
    priority: 5
`))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t-1", tasks[0].ID)
	assert.Equal(t, 5, tasks[0].Priority)

	_, err = readTaskFile(strings.NewReader("tasks:\n  - retailer: shopX\n"))
	assert.ErrorContains(t, err, "url is required")

	tasks, err = readTaskFile(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

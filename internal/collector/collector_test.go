package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentmap/pipeline/internal/model"
)

const articlePage = `<!DOCTYPE html>
<html>
<head><title>ignored</title></head>
<body>
	<header>Portal navigation</header>
	<article>
		<h1>POL-K: Raubüberfall auf Juwelier</h1>
		<span class="customer">Polizei Köln</span>
		<time datetime="2024-03-05T09:15:00Z">5. März 2024</time>
		<div class="article-text">
			Die   Polizei ermittelt nach einem
			bewaffneten Raubüberfall.
		</div>
	</article>
	<footer>Impressum</footer>
	<script>trackPageView();</script>
</body>
</html>`

func newPortal(t *testing.T) (*httptest.Server, *PortalClient) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/archiv/koeln/2024-03", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<article><a href="/blaulicht/pm/12345">Raubüberfall auf Juwelier</a></article>
			<a class="news-link" href="/blaulicht/pm/12346">Wohnungseinbruch</a>
		</body></html>`)
	})
	mux.HandleFunc("/blaulicht/pm/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, articlePage)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server, NewPortalClient(server.URL, "test-agent", 5*time.Second)
}

func TestCollectFetchesListedArticles(t *testing.T) {
	_, client := newPortal(t)

	articles, err := client.Collect(context.Background(), model.ChunkKey{Region: "koeln", Month: "2024-03"})
	require.NoError(t, err)
	require.Len(t, articles, 2)

	a := articles[0]
	assert.Equal(t, "POL-K: Raubüberfall auf Juwelier", a.Title)
	assert.Equal(t, "Polizei Köln", a.Source)
	assert.Equal(t, "koeln", a.Region)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 15, 0, 0, time.UTC), a.PublishedAt.UTC())
	assert.Equal(t, "Die Polizei ermittelt nach einem bewaffneten Raubüberfall.", a.Body)
	assert.NotContains(t, a.Body, "trackPageView", "script content is stripped")
	assert.NotContains(t, a.Body, "Impressum", "footer content is stripped")
}

func TestCollectListingFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client := NewPortalClient(server.URL, "test-agent", time.Second)
	client.retryConfig.MaxAttempts = 1

	_, err := client.Collect(context.Background(), model.ChunkKey{Region: "koeln", Month: "2024-03"})
	assert.Error(t, err)
}

func TestCollectSkipsBrokenArticle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/archiv/koeln/2024-03", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<article><a href="/blaulicht/pm/ok">Gut</a></article>
			<article><a href="/blaulicht/pm/broken">Kaputt</a></article>
		</body></html>`)
	})
	mux.HandleFunc("/blaulicht/pm/ok", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, articlePage)
	})
	mux.HandleFunc("/blaulicht/pm/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewPortalClient(server.URL, "test-agent", time.Second)
	client.retryConfig.MaxAttempts = 1

	articles, err := client.Collect(context.Background(), model.ChunkKey{Region: "koeln", Month: "2024-03"})
	require.NoError(t, err)
	assert.Len(t, articles, 1, "an unfetchable article is skipped, not fatal")
}

package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choruslabs/chorus/internal/config"
)

func searcherFor(t *testing.T, handler http.HandlerFunc) *HTTPSearcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPSearcher(config.Search{Endpoint: srv.URL}, nil)
}

func TestSearch(t *testing.T) {
	t.Parallel()

	t.Run("formats results one per line", func(t *testing.T) {
		t.Parallel()
		s := searcherFor(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "harbor weather", r.URL.Query().Get("q"))
			assert.Equal(t, "json", r.URL.Query().Get("format"))
			fmt.Fprint(w, `{"results":[
				{"title":"Harbor forecast","url":"https://weather.example/harbor","content":"Sunny, 22C"},
				{"title":"Tide tables","url":"https://tides.example","content":"High tide at noon"}
			]}`)
		})

		got, err := s.Search(context.Background(), "harbor weather")
		require.NoError(t, err)
		assert.Equal(t,
			"Harbor forecast: Sunny, 22C (https://weather.example/harbor)\nTide tables: High tide at noon (https://tides.example)\n",
			got)
	})

	t.Run("caps the number of results", func(t *testing.T) {
		t.Parallel()
		var results []string
		for i := 0; i < 10; i++ {
			results = append(results, fmt.Sprintf(`{"title":"r%d","url":"u%d","content":"c%d"}`, i, i, i))
		}
		body := `{"results":[` + strings.Join(results, ",") + `]}`
		s := searcherFor(t, func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, body)
		})

		got, err := s.Search(context.Background(), "anything")
		require.NoError(t, err)
		assert.Equal(t, maxResults, strings.Count(got, "\n"))
	})

	t.Run("empty results report no hits", func(t *testing.T) {
		t.Parallel()
		s := searcherFor(t, func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"results":[]}`)
		})

		got, err := s.Search(context.Background(), "nothing")
		require.NoError(t, err)
		assert.Equal(t, "No results found.", got)
	})

	t.Run("non-200 status is an error", func(t *testing.T) {
		t.Parallel()
		s := searcherFor(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := s.Search(context.Background(), "q")
		assert.Error(t, err)
	})

	t.Run("malformed body is an error", func(t *testing.T) {
		t.Parallel()
		s := searcherFor(t, func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `<html>not json</html>`)
		})

		_, err := s.Search(context.Background(), "q")
		assert.Error(t, err)
	})

	t.Run("unreachable endpoint is an error", func(t *testing.T) {
		t.Parallel()
		s := NewHTTPSearcher(config.Search{Endpoint: "http://127.0.0.1:1"}, nil)
		_, err := s.Search(context.Background(), "q")
		assert.Error(t, err)
	})
}

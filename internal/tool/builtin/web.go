package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/capstan-dev/capstan/internal/tool"
)

const defaultSearchURL = "https://www.googleapis.com/customsearch/v1"

// RegisterWeb adds web__search, a Google Custom Search client. It runs
// on the host so API credentials never reach a child process.
func RegisterWeb(r *tool.Registry) {
	RegisterWebWithBase(r, defaultSearchURL)
}

// RegisterWebWithBase registers web__search against a specific endpoint.
func RegisterWebWithBase(r *tool.Registry, baseURL string) {
	client := &http.Client{Timeout: 30 * time.Second}
	r.MustRegister(&tool.Tool{
		Name:        "web__search",
		Description: "Search the web and return result titles, links, and snippets.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query": stringProp("search query"),
		}),
		Meta: tool.Meta{RequiresHostExecution: true},
		Handler: func(ctx context.Context, call *tool.Call) tool.Outcome {
			return webSearch(ctx, call, client, baseURL)
		},
	})
}

type searchResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

func webSearch(ctx context.Context, call *tool.Call, client *http.Client, baseURL string) tool.Outcome {
	query := argString(call, "query")
	if query == "" {
		return tool.Failure("no query given")
	}
	apiKey := os.Getenv("GOOGLE_API_KEY")
	cx := os.Getenv("GOOGLE_CX")
	if apiKey == "" || cx == "" {
		return tool.Failure("web search requires GOOGLE_API_KEY and GOOGLE_CX")
	}

	params := url.Values{}
	params.Set("key", apiKey)
	params.Set("cx", cx)
	params.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return tool.Failure(fmt.Sprintf("building search request: %v", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return tool.Failure(fmt.Sprintf("searching: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return tool.Failure(fmt.Sprintf("search returned %d: %s", resp.StatusCode, body))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return tool.Failure(fmt.Sprintf("decoding search response: %v", err))
	}

	results := make([]map[string]any, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		results = append(results, map[string]any{
			"title":   item.Title,
			"link":    item.Link,
			"snippet": item.Snippet,
		})
	}
	return tool.Success(results)
}

package tools

import (
	"github.com/clawdbot/kiki/internal/fetch"
)

// RegisterFetch adds web_fetch.
func (r *Registry) RegisterFetch(f *fetch.Fetcher) {
	r.Register(&Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text. Use for reading articles, documentation or any URL the user shares.",
		Properties:  fetch.ToolProperties(),
		Required:    []string{"url"},
		Handler:     fetch.ToolHandler(f),
	})
}

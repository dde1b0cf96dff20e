package output

import "time"

// Record is one crawled page as it appears in the output. Failed fetches
// produce records too, with Kind naming the failure and Error carrying the
// message; Status is zero when no response was received.
type Record struct {
	URL             string    `json:"url"`
	FinalURL        string    `json:"final_url,omitempty"`
	Depth           int       `json:"depth"`
	Parent          string    `json:"parent,omitempty"`
	Kind            string    `json:"kind"`
	Status          int       `json:"status,omitempty"`
	ContentType     string    `json:"content_type,omitempty"`
	Title           string    `json:"title,omitempty"`
	MetaDescription string    `json:"meta_description,omitempty"`
	TextExcerpt     string    `json:"text_excerpt,omitempty"`
	NumLinks        int       `json:"num_links"`
	ElapsedMS       int64     `json:"elapsed_ms"`
	FetchedAt       time.Time `json:"fetched_at"`
	Error           string    `json:"error,omitempty"`
}

package search

// Result is a single note hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Query describes a search request. UserID scopes results to notes the
// user owns or collaborates on.
type Query struct {
	Text   string
	UserID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// NoteRecord is the data we index for a note: its title plus the
// concatenated entry text, and the ids allowed to see it.
type NoteRecord struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	OwnerID         string   `json:"ownerId"`
	CollaboratorIDs []string `json:"collaboratorIds"`
	EntryText       string   `json:"entryText"`
}

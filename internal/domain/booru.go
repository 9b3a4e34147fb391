package domain

// BooruCredentials authenticate a single Booru call. Different jobs may
// target different users, so credentials are an explicit argument rather
// than client state.
type BooruCredentials struct {
	Username string
	Token    string
}

// Post is the remote Booru post as seen by the pipeline.
type Post struct {
	ID          int
	Version     int
	Tags        []string
	Source      string
	Safety      Safety
	RelationIDs []int
	ContentURL  string
	TagCount    int
}

// Tag is the remote Booru tag record.
type Tag struct {
	Name     string
	Category string
	Version  int
}

// ReverseSearchResult is the outcome of a content-based lookup.
type ReverseSearchResult struct {
	Exact   *Post
	Similar []Post
}

// PostMutation carries partial post updates; nil fields are left untouched.
// Updates use optimistic concurrency via the post version.
type PostMutation struct {
	Tags      *[]string
	Source    *string
	Safety    *Safety
	Relations *[]int
}

// BooruClient is the typed port to the downstream image board.
// Upload returns ErrDuplicateContent when the server already holds the
// file under its content hash; the pipeline treats that as a merge
// opportunity, not a failure.
type BooruClient interface {
	Upload(ctx Context, creds BooruCredentials, filePath string, tags []string, safety Safety, source string) (Post, error)
	ReverseSearch(ctx Context, creds BooruCredentials, filePath string) (ReverseSearchResult, error)
	SearchByChecksum(ctx Context, creds BooruCredentials, sha1 string) ([]Post, error)
	GetPost(ctx Context, creds BooruCredentials, id int) (Post, error)
	UpdatePost(ctx Context, creds BooruCredentials, id, version int, mut PostMutation) (Post, error)
	SearchPosts(ctx Context, creds BooruCredentials, query string, offset, limit int) ([]Post, int, error)
	CreateTag(ctx Context, creds BooruCredentials, name, category string) error
	GetTag(ctx Context, creds BooruCredentials, name string) (Tag, error)
	UpdateTag(ctx Context, creds BooruCredentials, name string, version int, category string) error
	Ping(ctx Context) error
}

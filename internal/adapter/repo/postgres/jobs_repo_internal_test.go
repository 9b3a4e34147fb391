package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

func TestBuildJobFilter(t *testing.T) {
	where, args := buildJobFilter(domain.JobFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	st := domain.JobFailed
	merge := true
	where, args = buildJobFilter(domain.JobFilter{Owner: "alice", Status: &st, WasMerge: &merge})
	assert.Equal(t, " WHERE owner=$1 AND status=$2 AND was_merge=$3", where)
	assert.Equal(t, []any{"alice", domain.JobFailed, true}, args)

	where, args = buildJobFilter(domain.JobFilter{Status: &st})
	assert.Equal(t, " WHERE status=$1", where)
	assert.Len(t, args, 1)
}

func TestBuildJobUpdateStatusGuard(t *testing.T) {
	status := domain.JobPaused
	q, args := buildJobUpdate("j1", domain.JobMutation{
		Status:       &status,
		ExpectStatus: []domain.JobStatus{domain.JobDownloading, domain.JobTagging, domain.JobUploading},
	})
	assert.Equal(t, "UPDATE jobs SET updated_at=$2, status=$3 WHERE id=$1 AND status IN ($4,$5,$6)", q)
	assert.Len(t, args, 6)
	assert.Equal(t, "j1", args[0])
	assert.Equal(t, domain.JobPaused, args[2])
	assert.Equal(t, []any{domain.JobDownloading, domain.JobTagging, domain.JobUploading}, args[3:])
}

func TestBuildJobUpdateUnconditional(t *testing.T) {
	msg := "boom"
	q, args := buildJobUpdate("j1", domain.JobMutation{ErrorMessage: &msg})
	assert.Equal(t, "UPDATE jobs SET updated_at=$2, error_message=$3 WHERE id=$1", q)
	assert.Len(t, args, 3)
}

func TestJSONText(t *testing.T) {
	assert.Equal(t, "[]", jsonText(nil))
	assert.Equal(t, `["a","b"]`, jsonText([]string{"a", "b"}))
	assert.Equal(t, `[1,2]`, jsonText([]int{1, 2}))
}

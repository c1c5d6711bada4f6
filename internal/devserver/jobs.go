package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Chukowski/pictureme-business-sub001/internal/model"
)

var (
	errJobSettled = errors.New("job already settled")
	errJobOwner   = errors.New("job belongs to another user")
)

func jobKey(jobID int64) string {
	return "livesync:job:" + strconv.FormatInt(jobID, 10)
}

// JobStore keeps job statuses in Redis hashes.
type JobStore struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	setScript *redis.Script
}

func NewJobStore(rdb redis.UniversalClient, ttl time.Duration) *JobStore {
	return &JobStore{
		rdb:       rdb,
		ttl:       ttl,
		setScript: redis.NewScript(luaSetJobStatus),
	}
}

// Set records the status of a job owned by userID. Once a job is completed
// or failed further writes return errJobSettled.
func (s *JobStore) Set(ctx context.Context, jobID int64, userID string, st model.JobStatusResponse) error {
	urls := st.URLs
	if urls == nil {
		urls = []string{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("marshal urls: %w", err)
	}

	res, err := s.setScript.Run(ctx, s.rdb, []string{jobKey(jobID)},
		userID, string(st.Status), st.URL, string(urlsJSON), st.Error, int(s.ttl.Seconds()),
	).Text()
	if err != nil {
		return fmt.Errorf("set job status lua: %w", err)
	}

	switch res {
	case "OK":
		return nil
	case "TERMINAL":
		return errJobSettled
	case "OWNER":
		return errJobOwner
	default:
		return fmt.Errorf("set job status: unexpected result %q", res)
	}
}

// Get returns the job status and its owner, or nil when the job is unknown.
func (s *JobStore) Get(ctx context.Context, jobID int64) (*model.JobStatusResponse, string, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("get job status: %w", err)
	}
	if len(fields) == 0 {
		return nil, "", nil
	}

	st := &model.JobStatusResponse{
		Status: model.JobStatus(fields["status"]),
		URL:    fields["url"],
		Error:  fields["error"],
	}
	if raw := fields["urls"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.URLs); err != nil {
			return nil, "", fmt.Errorf("decode urls: %w", err)
		}
		if len(st.URLs) == 0 {
			st.URLs = nil
		}
	}
	return st, fields["user_id"], nil
}

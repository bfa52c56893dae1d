package broker

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ternarybob/conduit/internal/models"
)

// ListByState returns a page of jobs filtered by state. An empty state list
// matches every state. Sorting: createdAt (default), finishedAt, priority.
func (b *Broker) ListByState(ctx context.Context, queue string, query models.ListJobsQuery) (*models.JobPage, error) {
	if err := b.checkQueue(queue); err != nil {
		return nil, err
	}

	wanted := make(map[models.JobState]bool, len(query.States))
	for _, s := range query.States {
		wanted[s] = true
	}

	var jobs []*models.Job

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := jobPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job models.Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				continue
			}
			if len(wanted) > 0 && !wanted[job.State] {
				continue
			}
			jobCopy := job
			jobs = append(jobs, &jobCopy)
		}
		return nil
	})
	if err != nil {
		return nil, models.ErrBrokerUnavailable("list failed", err)
	}

	sortJobs(jobs, query.SortBy, query.SortDir)

	page := query.Page
	if page < 1 {
		page = 1
	}
	limit := query.Limit
	if limit < 1 {
		limit = 20
	}

	total := len(jobs)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &models.JobPage{
		Jobs: jobs[start:end],
		Pagination: models.Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	}, nil
}

func sortJobs(jobs []*models.Job, sortBy, sortDir string) {
	desc := sortDir == "desc"

	key := func(j *models.Job) time.Time {
		switch sortBy {
		case "finishedAt":
			if j.FinishedAt != nil {
				return *j.FinishedAt
			}
			return time.Time{}
		default:
			return j.CreatedAt
		}
	}

	sort.SliceStable(jobs, func(i, k int) bool {
		if sortBy == "priority" {
			if jobs[i].Options.Priority != jobs[k].Options.Priority {
				if desc {
					return jobs[i].Options.Priority > jobs[k].Options.Priority
				}
				return jobs[i].Options.Priority < jobs[k].Options.Priority
			}
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		ti, tk := key(jobs[i]), key(jobs[k])
		if desc {
			return ti.After(tk)
		}
		return ti.Before(tk)
	})
}

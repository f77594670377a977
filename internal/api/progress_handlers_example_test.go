package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/site-crawler/internal/progress"
	"github.com/JakeFAU/site-crawler/internal/storage/memory"
)

// ExampleProgressHandler_Get shows the compact progress view served for a job
// whose tracker is gone but whose last snapshot was persisted.
func ExampleProgressHandler_Get() {
	repo := memory.NewProgressRepo()
	jobID := "0190c6a0-7b1e-7000-8000-0000000000aa"
	_ = repo.SaveSnapshot(context.Background(), progress.Snapshot{
		JobID:           jobID,
		Status:          progress.StatusCompleted,
		Phase:           progress.PhaseFinishing,
		Percentage:      100,
		PagesProcessed:  12,
		PagesSuccessful: 11,
		PagesFailed:     1,
	})

	h := NewProgressHandler(nil, repo, nil, nil)
	r := chi.NewRouter()
	r.Get("/v1/jobs/{job_id}/progress", h.Get)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID+"/progress", nil))
	fmt.Println(rec.Code)
	fmt.Print(rec.Body.String())
	// Output:
	// 200
	// {"job_id":"0190c6a0-7b1e-7000-8000-0000000000aa","percentage":100,"current_url":"","pages_processed":12,"pages_successful":11,"pages_failed":1,"status":"completed","phase":"finishing","estimated_time_remaining_ms":null}
}

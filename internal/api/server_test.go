package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"geospatial-work-scheduler/internal/config"
	"geospatial-work-scheduler/internal/logging"
	"geospatial-work-scheduler/internal/models"
	"geospatial-work-scheduler/internal/store"
)

func testLogger() *slog.Logger {
	return logging.NewWithWriter("error", "text", io.Discard)
}

func testServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	srv := httptest.NewServer(New(config.Load(), m, testLogger()).Router())
	t.Cleanup(srv.Close)
	return srv, m
}

func TestCreateJobIngestsWork(t *testing.T) {
	srv, _ := testServer(t)

	body := `{
		"username": "ada",
		"numInputGranules": 2,
		"workItems": [
			{"serviceID": "svc/query:latest"},
			{"serviceID": "svc/subset:latest"}
		]
	}`
	resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var created struct {
		Job       models.Job        `json:"job"`
		WorkItems []models.WorkItem `json:"workItems"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Job.ID == "" || len(created.WorkItems) != 2 {
		t.Fatalf("unexpected response: job=%q items=%d", created.Job.ID, len(created.WorkItems))
	}
	for _, item := range created.WorkItems {
		if item.Status != models.StatusReady || item.JobID != created.Job.ID {
			t.Fatalf("item not persisted ready for the job: %+v", item)
		}
	}

	// The job status page reflects the counts.
	statusResp, err := http.Get(srv.URL + "/jobs/" + created.Job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", statusResp.StatusCode)
	}
	var status struct {
		Counts []models.UserWork `json:"counts"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	ready := 0
	for _, uw := range status.Counts {
		ready += uw.ReadyCount
	}
	if ready != 2 {
		t.Fatalf("expected 2 ready across services, got %d", ready)
	}
}

func TestCreateJobRequiresUsername(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/jobs/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelJob(t *testing.T) {
	srv, m := testServer(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, models.Job{Username: "ada"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := m.AddWorkItems(ctx, "ada", []models.WorkItem{{JobID: job.ID, ServiceID: "svc/subset:latest"}}); err != nil {
		t.Fatalf("add items: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/"+job.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	items, _ := m.ListWorkItems(ctx, job.ID)
	if items[0].Status != models.StatusCanceled {
		t.Fatalf("expected canceled item, got %s", items[0].Status)
	}
}

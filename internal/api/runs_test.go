package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/sample"
	"github.com/seantiz/forge/internal/store"
)

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// submit starts an alphabeta run with n samples and returns its id.
func submit(t *testing.T, baseURL string, n int) string {
	t.Helper()
	samples := make([]string, n)
	for i := range n {
		samples[i] = fmt.Sprintf(`{"id":%d}`, i)
	}
	resp := postJSON(t, baseURL+"/v1/runs", `{"body":"alphabeta","seed":3,"samples":[`+strings.Join(samples, ",")+`]}`)
	if resp.StatusCode != http.StatusAccepted {
		resp.Body.Close()
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	var view engine.RunView
	decode(t, resp, &view)
	if view.ID == "" {
		t.Fatal("submit returned no run id")
	}
	return view.ID
}

// drive answers every suspension of run id with Action 0 until the run ends.
func drive(t *testing.T, baseURL, id string) int {
	t.Helper()
	answered, err := driveRun(baseURL, id)
	if err != nil {
		t.Fatal(err)
	}
	return answered
}

// driveRun is drive without a *testing.T, for use off the test goroutine.
func driveRun(baseURL, id string) (int, error) {
	answered := 0
	for range 100 {
		resp, err := http.Get(baseURL + "/v1/runs/" + id + "/suspensions/next?wait=2s")
		if err != nil {
			return answered, fmt.Errorf("GET next: %w", err)
		}
		switch resp.StatusCode {
		case http.StatusGone:
			resp.Body.Close()
			return answered, nil
		case http.StatusNoContent:
			resp.Body.Close()
			continue
		case http.StatusOK:
		default:
			resp.Body.Close()
			return answered, fmt.Errorf("next status = %d", resp.StatusCode)
		}

		var susp engine.Suspension
		err = json.NewDecoder(resp.Body).Decode(&susp)
		resp.Body.Close()
		if err != nil {
			return answered, fmt.Errorf("decode suspension: %w", err)
		}
		if len(susp.Keys) != 1 || susp.Keys[0] != sample.KeyAction {
			return answered, fmt.Errorf("suspension keys = %v, want [Action]", susp.Keys)
		}

		body := fmt.Sprintf(`{"token":%q,"values":{"Action":[0]}}`, susp.Token)
		rr, err := http.Post(baseURL+"/v1/runs/"+id+"/resume", "application/json", strings.NewReader(body))
		if err != nil {
			return answered, fmt.Errorf("POST resume: %w", err)
		}
		rr.Body.Close()
		if rr.StatusCode != http.StatusNoContent {
			return answered, fmt.Errorf("resume status = %d, want 204", rr.StatusCode)
		}
		answered++
	}
	return answered, errors.New("run did not finish")
}

// waitPersisted polls the store until the run is no longer running and its
// samples have been written.
func waitPersisted(t *testing.T, st store.Store, id string) *model.Run {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(ctx, id)
		if err == nil && run.Status != model.RunRunning {
			samples, err := st.ListSamples(ctx, id)
			if err == nil && len(samples) == run.Samples {
				return run
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s was not persisted as finished", id)
	return nil
}

func TestSubmitAndDriveRunOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := submit(t, ts.URL, 2)
	if answered := drive(t, ts.URL, id); answered != 6 {
		t.Errorf("answered %d suspensions, want 6", answered)
	}

	run := waitPersisted(t, srv.store, id)
	if run.Status != model.RunFinished || run.Samples != 2 || run.Failed != 0 {
		t.Errorf("run = %+v, want finished with 2 samples", run)
	}
	resp, err := http.Get(ts.URL + "/v1/runs/" + id)
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run status = %d, want 200", resp.StatusCode)
	}
	var got runResponse
	decode(t, resp, &got)
	if got.Run == nil || got.Run.ID != id {
		t.Fatalf("run = %+v", got.Run)
	}
	if got.Live != nil {
		t.Error("finished run should have no live view")
	}
	if len(got.Samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(got.Samples))
	}
	for _, s := range got.Samples {
		if s.Status != model.StatusFinished || s.Suspensions != 3 {
			t.Errorf("sample %d = %s with %d suspensions", s.SampleID, s.Status, s.Suspensions)
		}
	}

	resp, err = http.Get(ts.URL + "/v1/runs/" + id + "/samples/1")
	if err != nil {
		t.Fatalf("GET sample: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get sample status = %d, want 200", resp.StatusCode)
	}
	var detail sampleResponse
	decode(t, resp, &detail)
	if detail.SampleID != 1 || detail.Blackboard == nil {
		t.Fatalf("sample detail = %+v", detail)
	}
	if _, err := detail.Blackboard.Scalar(sample.KeyReward); err != nil {
		t.Errorf("Reward missing from final board: %v", err)
	}
	if marker, _ := detail.Blackboard.String(sample.KeyTermination); marker != string(model.OutcomeTerminal) {
		t.Errorf("Termination = %q, want Terminal", marker)
	}

	// Further resumes are rejected as the run is gone.
	rr := postJSON(t, ts.URL+"/v1/runs/"+id+"/resume", `{"token":"spent"}`)
	rr.Body.Close()
	if rr.StatusCode != http.StatusGone {
		t.Errorf("resume after finish status = %d, want 410", rr.StatusCode)
	}
}

func TestSubmitRunValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{`, "invalid JSON body"},
		{"missing body", `{"samples":[{"id":0}]}`, "body is required"},
		{"unknown body", `{"body":"pendulum"}`, "not registered"},
		{"duplicate ids", `{"body":"alphabeta","samples":[{"id":1},{"id":1}]}`, "duplicate sample id"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/runs", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var body map[string]string
			decode(t, resp, &body)
			if !strings.Contains(body["error"], tc.want) {
				t.Errorf("error = %q, want it to mention %q", body["error"], tc.want)
			}
		})
	}
}

func TestSubmitRunWhileActiveConflicts(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	submit(t, ts.URL, 1)

	resp := postJSON(t, ts.URL+"/v1/runs", `{"body":"alphabeta","samples":[{"id":0}]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestResumeInvalidToken(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := submit(t, ts.URL, 1)

	resp := postJSON(t, ts.URL+"/v1/runs/"+id+"/resume", `{"token":"no-such-token","values":{}}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if !strings.Contains(body["error"], "unknown or already used token") {
		t.Errorf("error = %q", body["error"])
	}

	resp = postJSON(t, ts.URL+"/v1/runs/"+id+"/resume", `{"values":{}}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing token status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := submit(t, ts.URL, 3)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	run := waitPersisted(t, srv.store, id)
	if run.Status != model.RunCancelled {
		t.Errorf("run status = %q, want cancelled", run.Status)
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Errorf("second cancel status = %d, want 410", resp.StatusCode)
	}
}

func TestRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{
		"/v1/runs/nonexistent",
		"/v1/runs/nonexistent/suspensions/next",
		"/v1/runs/nonexistent/events",
		"/v1/runs/nonexistent/samples/0",
		"/v1/runs/active",
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestGetSampleBadID(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/r1/samples/first")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestActiveRunView(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := submit(t, ts.URL, 3)

	resp, err := http.Get(ts.URL + "/v1/runs/active")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var view engine.RunView
	decode(t, resp, &view)
	if view.ID != id || view.Body != "alphabeta" || len(view.Samples) != 3 {
		t.Errorf("view = %+v", view)
	}

	resp, err = http.Get(ts.URL + "/v1/runs/" + id)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var got runResponse
	decode(t, resp, &got)
	if got.Live == nil || got.Live.ID != id {
		t.Errorf("live view = %+v", got.Live)
	}
	if got.Run == nil || got.Run.Status != model.RunRunning {
		t.Errorf("stored run = %+v, want running", got.Run)
	}
}

func TestNextSuspensionBadWait(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := submit(t, ts.URL, 1)
	resp, err := http.Get(ts.URL + "/v1/runs/" + id + "/suspensions/next?wait=soon")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListRunsPagination(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i := range 5 {
		run := &model.Run{
			ID:        model.NewID(),
			Body:      "rosenbrock",
			Conduit:   "local",
			Status:    model.RunRunning,
			Seed:      uint64(i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := srv.store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs?limit=2&offset=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var page listRunsResponse
	decode(t, resp, &page)
	if page.Total != 5 || page.Limit != 2 || page.Offset != 1 || len(page.Runs) != 2 {
		t.Fatalf("page = total %d limit %d offset %d len %d", page.Total, page.Limit, page.Offset, len(page.Runs))
	}
	// Newest first.
	if page.Runs[0].Seed != 3 || page.Runs[1].Seed != 2 {
		t.Errorf("seeds = %d, %d, want 3, 2", page.Runs[0].Seed, page.Runs[1].Seed)
	}

	resp, err = http.Get(ts.URL + "/v1/runs?limit=1000&offset=-3")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	decode(t, resp, &page)
	if page.Limit != defaultListLimit || page.Offset != 0 || len(page.Runs) != 5 {
		t.Errorf("clamped page = limit %d offset %d len %d", page.Limit, page.Offset, len(page.Runs))
	}
}

func TestListRunsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(raw.String(), `"runs":[]`) {
		t.Errorf("body = %s, want an empty runs array", raw.String())
	}
}

func TestStats(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := submit(t, ts.URL, 2)
	drive(t, ts.URL, id)
	waitPersisted(t, srv.store, id)

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats store.RunStats
	decode(t, resp, &stats)

	if stats.Runs != 1 || stats.RunsByStatus[model.RunFinished] != 1 {
		t.Errorf("runs = %d by status %v", stats.Runs, stats.RunsByStatus)
	}
	if stats.Samples != 2 || stats.Suspensions != 6 {
		t.Errorf("samples/suspensions = %d/%d, want 2/6", stats.Samples, stats.Suspensions)
	}
}

func TestListResourcesAndBodies(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/resources")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var res resourcesResponse
	decode(t, resp, &res)
	if res.Conduit != "cooperative" || len(res.Resources) != 2 {
		t.Fatalf("resources = %+v", res)
	}
	for i, r := range res.Resources {
		if r.Index != i || r.State != "idle" || r.Owner != -1 {
			t.Errorf("resource %d = %+v", i, r)
		}
	}

	resp, err = http.Get(ts.URL + "/v1/bodies")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var names []string
	decode(t, resp, &names)
	want := []string{"alphabeta", "cartpole", "rosenbrock"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("bodies = %v, want %v", names, want)
	}
}

func TestServerRunStopsOnContextCancel(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

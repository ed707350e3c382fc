package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"flowline/internal/app"
	"flowline/internal/domain"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	a, err := app.Bootstrap(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	handler, err := New(Config{
		Engine:   a.Engine,
		Registry: a.Registry,
		Reload:   a.ReloadTriggers,
		BasePath: "/v0",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, b
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, body)
	}
	return envelope.Error.Code
}

func TestWorkItemEndpoints(t *testing.T) {
	ts := newTestServer(t)

	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/work-items",
		map[string]any{"kind": "intake", "actor": "tester"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", res.StatusCode, body)
	}
	var wi domain.WorkItem
	if err := json.Unmarshal(body, &wi); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wi.State != "new" {
		t.Fatalf("state = %s", wi.State)
	}

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/work-items/"+wi.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/work-items/missing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d: %s", res.StatusCode, body)
	}
	if code := errorCode(t, body); code != "not_found" {
		t.Fatalf("code = %s", code)
	}

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/work-items?kind=intake", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", res.StatusCode, body)
	}
	var items []domain.WorkItem
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d", len(items))
	}
}

func TestTransitionEndpointErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	_, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/work-items",
		map[string]any{"kind": "intake", "actor": "tester"})
	var wi domain.WorkItem
	if err := json.Unmarshal(body, &wi); err != nil {
		t.Fatal(err)
	}

	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/transitions", map[string]any{
		"entity_type": "work_item", "entity_id": wi.ID, "target_state": "in_progress", "actor": "tester",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status = %d: %s", res.StatusCode, body)
	}

	// new is not reachable from in_progress
	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/transitions", map[string]any{
		"entity_type": "work_item", "entity_id": wi.ID, "target_state": "new", "actor": "tester",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("invalid transition status = %d: %s", res.StatusCode, body)
	}
	if code := errorCode(t, body); code != "INVALID_TRANSITION" {
		t.Fatalf("code = %s", code)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/transitions", map[string]any{
		"entity_type": "work_item", "entity_id": "missing", "target_state": "in_progress", "actor": "tester",
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing entity status = %d: %s", res.StatusCode, body)
	}
	if code := errorCode(t, body); code != "ENTITY_NOT_FOUND" {
		t.Fatalf("code = %s", code)
	}
}

func TestGuardFailureMapsTo422(t *testing.T) {
	ts := newTestServer(t)

	_, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/plans",
		map[string]any{"name": "old", "actor": "tester"})
	var p domain.Plan
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatal(err)
	}
	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/transitions", map[string]any{
		"entity_type": "plan", "entity_id": p.ID, "target_state": "archived", "actor": "tester",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("archive status = %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/work-items",
		map[string]any{"kind": "intake", "plan_id": p.ID, "actor": "tester"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("archived plan create status = %d: %s", res.StatusCode, body)
	}
	if code := errorCode(t, body); code != "GUARD_FAILED" {
		t.Fatalf("code = %s", code)
	}
}

func TestTriggerRegistrationReloadsRegistry(t *testing.T) {
	ts := newTestServer(t)

	before := ts.App.Registry.Load().Version
	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/triggers", map[string]any{
		"name":       "review-blocked-alert",
		"event_type": "WorkItemStateChanged",
		"predicate":  map[string]any{"field": "to_state", "op": "eq", "value": "blocked"},
		"action":     "emit-alert",
		"params":     map[string]any{"message": "blocked"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d: %s", res.StatusCode, body)
	}
	if after := ts.App.Registry.Load().Version; after <= before {
		t.Fatalf("registry version %d not bumped past %d", after, before)
	}

	// malformed predicate is rejected before storage
	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/triggers", map[string]any{
		"name":       "broken",
		"event_type": "WorkItemStateChanged",
		"predicate":  map[string]any{"field": "to_state", "op": "like", "value": "x"},
		"action":     "emit-alert",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed predicate status = %d: %s", res.StatusCode, body)
	}
}

func TestSLAConfigRegistrationAndMetadata(t *testing.T) {
	ts := newTestServer(t)

	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/sla-configs", map[string]any{
		"name":        "triage-turnaround",
		"entity_kind": "triage",
		"start_state": "in_progress",
		"stop_states": []string{"completed"},
		"target":      "45m",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/sla-configs", map[string]any{
		"name":        "bad",
		"entity_kind": "triage",
		"start_state": "in_progress",
		"stop_states": []string{"completed"},
		"target":      "-1h",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative target status = %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/metadata", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metadata status = %d: %s", res.StatusCode, body)
	}
	var meta MetadataResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if len(meta.Entities) != 2 {
		t.Fatalf("entities = %d", len(meta.Entities))
	}
	found := false
	for _, c := range meta.SLAConfigs {
		if c.ID == "triage-turnaround" && c.TargetSeconds == 2700 {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered SLA config missing from metadata: %+v", meta.SLAConfigs)
	}
}

package labapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chemlab/internal/blob"
	"chemlab/internal/core"
	"chemlab/pkg/domain"
)

func newTestServer(t *testing.T) (*httptest.Server, *core.Service, blob.Store) {
	t.Helper()
	store, err := blob.Open(context.Background(), blob.Config{Driver: string(blob.DriverMemory)})
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	svc := core.NewInMemoryService()
	mux := http.NewServeMux()
	NewHandler(svc, store, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, svc, store
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func mustDecode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestTitrationLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	code, body := do(t, srv, http.MethodPost, "/api/titrations", CreateTitrationRequest{TitrationID: "hcl_naoh"})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, body)
	}
	var inst domain.TitrationInstance
	mustDecode(t, body, &inst)

	if code, body := do(t, srv, http.MethodPost, "/api/titrations/"+inst.ID+"/start", nil); code != http.StatusOK {
		t.Fatalf("start = %d %s", code, body)
	}
	for _, v := range []float64{10, 14.9, 0.1} {
		if code, body := do(t, srv, http.MethodPost, "/api/titrations/"+inst.ID+"/titrant", AddTitrantRequest{Volume: v}); code != http.StatusOK {
			t.Fatalf("titrant %v = %d %s", v, code, body)
		}
	}
	code, body = do(t, srv, http.MethodGet, "/api/titrations/"+inst.ID, nil)
	if code != http.StatusOK {
		t.Fatalf("get = %d %s", code, body)
	}
	mustDecode(t, body, &inst)
	if !inst.EndpointReached {
		t.Fatalf("expected endpoint reached, got %+v", inst)
	}

	code, body = do(t, srv, http.MethodPost, "/api/titrations/"+inst.ID+"/complete", nil)
	if code != http.StatusOK {
		t.Fatalf("complete = %d %s", code, body)
	}
	var res domain.TitrationResult
	mustDecode(t, body, &res)
	if res.Grade != domain.GradeA || !res.IsSuccessful {
		t.Fatalf("unexpected result %+v", res)
	}

	if code, _ := do(t, srv, http.MethodPost, "/api/titrations/"+inst.ID+"/complete", nil); code != http.StatusConflict {
		t.Fatalf("second complete = %d, want 409", code)
	}
}

func TestReactionMeasurementAndAssessmentRoutes(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	ctx := context.Background()

	temp := 40.0
	code, body := do(t, srv, http.MethodPost, "/api/reactions", CreateReactionRequest{ReactionID: "neutralization", Temperature: &temp})
	if code != http.StatusCreated {
		t.Fatalf("create reaction = %d %s", code, body)
	}
	var rx domain.ReactionInstance
	mustDecode(t, body, &rx)
	if rx.Temperature != temp {
		t.Fatalf("expected preset temperature %v, got %v", temp, rx.Temperature)
	}
	if code, body := do(t, srv, http.MethodPost, "/api/reactions/"+rx.ID+"/start", nil); code != http.StatusOK {
		t.Fatalf("start reaction = %d %s", code, body)
	}
	if _, err := svc.TickAll(ctx, 0.5); err != nil {
		t.Fatalf("tick: %v", err)
	}
	code, body = do(t, srv, http.MethodPost, "/api/reactions/"+rx.ID+"/complete", CompleteReactionRequest{Force: true})
	if code != http.StatusOK {
		t.Fatalf("complete reaction = %d %s", code, body)
	}

	code, body = do(t, srv, http.MethodPost, "/api/measurements", CreateMeasurementRequest{TypeID: "thermometer"})
	if code != http.StatusCreated {
		t.Fatalf("create measurement = %d %s", code, body)
	}
	var m domain.MeasurementInstance
	mustDecode(t, body, &m)
	if code, body := do(t, srv, http.MethodPost, "/api/measurements/"+m.ID+"/calibrate", nil); code != http.StatusNoContent {
		t.Fatalf("calibrate = %d %s", code, body)
	}
	for _, v := range []float64{21, 22, 23} {
		if code, body := do(t, srv, http.MethodPost, "/api/measurements/"+m.ID+"/readings", ReadingRequest{Value: v}); code != http.StatusOK {
			t.Fatalf("reading %v = %d %s", v, code, body)
		}
	}
	code, body = do(t, srv, http.MethodPost, "/api/measurements/"+m.ID+"/complete", nil)
	if code != http.StatusOK {
		t.Fatalf("complete measurement = %d %s", code, body)
	}
	var stats domain.MeasurementStatistics
	mustDecode(t, body, &stats)
	if stats.Count != 3 {
		t.Fatalf("expected 3 readings, got %+v", stats)
	}

	code, body = do(t, srv, http.MethodPost, "/api/assessments", CreateAssessmentRequest{ExperimentID: "lab-1", StudentID: "s1"})
	if code != http.StatusCreated {
		t.Fatalf("create assessment = %d %s", code, body)
	}
	var a domain.AssessmentInstance
	mustDecode(t, body, &a)
	criterion := a.CriterionResults[0]
	if code, body := do(t, srv, http.MethodPost, "/api/assessments/"+a.ID+"/scores", ScoreRequest{CriterionID: criterion.CriterionID, Score: criterion.MaxScore}); code != http.StatusOK {
		t.Fatalf("score = %d %s", code, body)
	}
	code, body = do(t, srv, http.MethodPost, "/api/assessments/"+a.ID+"/complete", nil)
	if code != http.StatusOK {
		t.Fatalf("complete assessment = %d %s", code, body)
	}
	var ar domain.AssessmentResult
	mustDecode(t, body, &ar)
	if ar.Grade != domain.GradeA || !ar.Passed {
		t.Fatalf("unexpected assessment %+v", ar)
	}

	code, body = do(t, srv, http.MethodGet, "/api/flame/nacl", nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"yellow"`) {
		t.Fatalf("flame = %d %s", code, body)
	}
}

func TestRequestErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown reaction", http.MethodPost, "/api/reactions", CreateReactionRequest{ReactionID: "nope"}, http.StatusNotFound},
		{"missing instance", http.MethodGet, "/api/titrations/missing", nil, http.StatusNotFound},
		{"malformed body", http.MethodPost, "/api/titrations", "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/titrations", `{"titration":"hcl_naoh"}`, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/api/titrations", nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := do(t, srv, tc.method, tc.path, tc.body)
			if code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", code, tc.want, body)
			}
		})
	}

	code, body := do(t, srv, http.MethodPost, "/api/titrations", CreateTitrationRequest{TitrationID: "hcl_naoh"})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, body)
	}
	var inst domain.TitrationInstance
	mustDecode(t, body, &inst)
	if code, _ := do(t, srv, http.MethodPost, "/api/titrations/"+inst.ID+"/titrant", AddTitrantRequest{Volume: 1}); code != http.StatusConflict {
		t.Fatalf("titrant before start = %d, want 409", code)
	}
	do(t, srv, http.MethodPost, "/api/titrations/"+inst.ID+"/start", nil)
	code, body = do(t, srv, http.MethodPost, "/api/titrations/"+inst.ID+"/titrant", AddTitrantRequest{Volume: -1})
	if code != http.StatusBadRequest {
		t.Fatalf("negative titrant = %d, want 400", code)
	}
	var apiErr map[string]string
	mustDecode(t, body, &apiErr)
	if apiErr["error"] == "" {
		t.Fatalf("expected error message, got %s", body)
	}
}

func TestReportRoutes(t *testing.T) {
	srv, _, store := newTestServer(t)
	ctx := context.Background()
	for i, kind := range []string{"titration", "titration", "reaction"} {
		key := fmt.Sprintf("reports/%s/r%d.json", kind, i)
		if _, err := store.Put(ctx, key, strings.NewReader(`{"ok":true}`), blob.PutOptions{ContentType: "application/json"}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	code, body := do(t, srv, http.MethodGet, "/api/reports?prefix=reports/titration/", nil)
	if code != http.StatusOK {
		t.Fatalf("list = %d %s", code, body)
	}
	var infos []blob.Info
	mustDecode(t, body, &infos)
	if len(infos) != 2 || infos[0].Key != "reports/titration/r0.json" {
		t.Fatalf("unexpected listing %+v", infos)
	}

	resp, err := http.Get(srv.URL + "/api/reports/reports/titration/r0.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(data) != `{"ok":true}` || resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("get = %d %q %q", resp.StatusCode, data, resp.Header.Get("Content-Type"))
	}

	if code, _ := do(t, srv, http.MethodGet, "/api/reports/reports/titration/r0.json?url=1", nil); code != http.StatusNotImplemented {
		t.Fatalf("presign on memory store = %d, want 501", code)
	}
	if code, _ := do(t, srv, http.MethodGet, "/api/reports/reports/titration/r0.json?url=1&expiry=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("bad expiry = %d, want 400", code)
	}

	if code, body := do(t, srv, http.MethodDelete, "/api/reports/reports/titration/r0.json", nil); code != http.StatusNoContent {
		t.Fatalf("delete = %d %s", code, body)
	}
	if code, _ := do(t, srv, http.MethodGet, "/api/reports/reports/titration/r0.json", nil); code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", code)
	}
	if code, _ := do(t, srv, http.MethodDelete, "/api/reports/reports/titration/r0.json", nil); code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", code)
	}
}

func TestReportRoutesDisabledWithoutStore(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(core.NewInMemoryService(), nil, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	if code, _ := do(t, srv, http.MethodGet, "/api/reports", nil); code != http.StatusNotFound {
		t.Fatalf("reports without store = %d, want 404", code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound{Entity: domain.EntityReactionInstance, ID: "x"}, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", blob.ErrNotFound), http.StatusNotFound},
		{domain.ErrInvalidState{Entity: domain.EntityTitrationInstance, ID: "x", State: "setup", Op: "add"}, http.StatusConflict},
		{blob.ErrExists, http.StatusConflict},
		{domain.ErrOutOfRange{Field: "volume", Value: -1}, http.StatusBadRequest},
		{domain.ErrDivision{Field: "analyte_volume"}, http.StatusBadRequest},
		{domain.ErrCapacityExceeded{Entity: domain.EntityReactionInstance, Limit: 1}, http.StatusTooManyRequests},
		{domain.RuleViolationError{}, http.StatusUnprocessableEntity},
		{blob.ErrUnsupported, http.StatusNotImplemented},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

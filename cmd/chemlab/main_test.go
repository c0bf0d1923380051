package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chemlab/internal/adapters/eventstream"
	"chemlab/internal/adapters/labapi"
	"chemlab/internal/catalog"
	"chemlab/internal/config"
	"chemlab/internal/logging"
	"chemlab/pkg/domain"
)

// isolateEnv points every storage backend at temp locations and clears
// config discovery so tests never touch the working directory.
func isolateEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CHEMLAB_CONFIG", "")
	t.Setenv("CHEMLAB_STORAGE_DRIVER", "memory")
	t.Setenv("CHEMLAB_BLOB_DRIVER", "memory")
	t.Setenv("CHEMLAB_LOG_LEVEL", "error")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "chemlab version "+version) {
		t.Errorf("unexpected output %q", out)
	}

	out, err = run(t, "version", "--json")
	if err != nil {
		t.Fatalf("version --json: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil || got["version"] != version {
		t.Errorf("unexpected json %q (%v)", out, err)
	}
}

func TestCatalogList(t *testing.T) {
	isolateEnv(t)

	out, err := run(t, "catalog", "list")
	if err != nil {
		t.Fatalf("catalog list: %v", err)
	}
	for _, want := range []string{"chemicals:", "reactions:", "titrations:", "instruments:", "criteria:"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "catalog", "list", "titrations")
	if err != nil {
		t.Fatalf("catalog list titrations: %v", err)
	}
	if !strings.Contains(out, "hcl_naoh") || !strings.Contains(out, "strong_acid") {
		t.Errorf("titrations listing missing hcl_naoh:\n%s", out)
	}

	out, err = run(t, "catalog", "list", "chemicals", "--json")
	if err != nil {
		t.Fatalf("catalog list chemicals --json: %v", err)
	}
	var doc struct {
		Chemicals []domain.ChemicalProperties `json:"chemicals"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Chemicals) == 0 {
		t.Error("expected chemicals in json output")
	}

	if _, err := run(t, "catalog", "list", "spectra"); err == nil {
		t.Error("expected error for unknown section")
	}
}

func TestCatalogValidate(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	content := `chemicals:
  - id: water
    name: Water
    formula: H2O
criteria:
  - id: accuracy
    name: Accuracy
    max_score: 100
    weight: 1
`
	if err := os.WriteFile(good, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "catalog", "validate", good)
	if err != nil {
		t.Fatalf("validate good: %v", err)
	}
	if !strings.Contains(out, "1 chemicals") {
		t.Errorf("unexpected output %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("criteria:\n  - id: c\n    max_score: 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "catalog", "validate", bad); err == nil || !strings.Contains(err.Error(), "max_score") {
		t.Errorf("expected max_score error, got %v", err)
	}
}

func TestTitrateWithAssessment(t *testing.T) {
	isolateEnv(t)

	out, err := run(t, "titrate", "hcl_naoh", "--add", "10,14.9,0.1", "--student", "s1", "--json")
	if err != nil {
		t.Fatalf("titrate: %v", err)
	}
	var got struct {
		Titration  domain.TitrationResult   `json:"titration"`
		Assessment *domain.AssessmentResult `json:"assessment"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Titration.Grade != domain.GradeA || !got.Titration.IsSuccessful {
		t.Errorf("unexpected titration result %+v", got.Titration)
	}
	if got.Assessment == nil || got.Assessment.StudentID != "s1" || !got.Assessment.Passed {
		t.Fatalf("unexpected assessment %+v", got.Assessment)
	}
}

func TestTitrateRejectsOverflow(t *testing.T) {
	isolateEnv(t)
	if _, err := run(t, "titrate", "hcl_naoh", "--add", "60"); err == nil {
		t.Fatal("expected burette overflow error")
	}
}

func TestReactCmd(t *testing.T) {
	isolateEnv(t)

	out, err := run(t, "react", "neutralization", "--json")
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	var res domain.ReactionResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Yield != 100 || res.Forced {
		t.Errorf("expected full unforced yield, got %+v", res)
	}

	if _, err := run(t, "react", "potassium_water", "--dt", "0.1"); err == nil || !strings.Contains(err.Error(), "failed") {
		t.Errorf("expected thermal runaway failure, got %v", err)
	}

	out, err = run(t, "react", "neutralization", "--max-ticks", "1")
	if err != nil {
		t.Fatalf("react with one tick: %v", err)
	}
	if !strings.Contains(out, "forced:       true") {
		t.Errorf("expected forced completion:\n%s", out)
	}
}

func TestMeasureCmd(t *testing.T) {
	isolateEnv(t)

	out, err := run(t, "measure", "thermometer", "--values", "21,22,23", "--json")
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	var stats domain.MeasurementStatistics
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Count != 3 || stats.TypeID != "thermometer" {
		t.Errorf("unexpected stats %+v", stats)
	}

	if _, err := run(t, "measure", "thermometer"); err == nil {
		t.Error("expected error without --values")
	}
	if _, err := run(t, "measure", "thermometer", "--values", "500"); err == nil {
		t.Error("expected out of range error")
	}
}

func TestFlameCmd(t *testing.T) {
	isolateEnv(t)
	out, err := run(t, "flame", "nacl")
	if err != nil {
		t.Fatalf("flame: %v", err)
	}
	if !strings.Contains(out, "yellow flame (Na)") {
		t.Errorf("unexpected output %q", out)
	}
	if _, err := run(t, "flame", "unobtainium"); err == nil {
		t.Error("expected not found error")
	}
}

func TestExportPersistsAcrossCommands(t *testing.T) {
	dir := isolateEnv(t)
	t.Setenv("CHEMLAB_STORAGE_DRIVER", "sqlite")
	t.Setenv("CHEMLAB_SQLITE_PATH", filepath.Join(dir, "lab.db"))
	t.Setenv("CHEMLAB_BLOB_DRIVER", "fs")
	t.Setenv("CHEMLAB_BLOB_FS_ROOT", filepath.Join(dir, "artifacts"))

	out, err := run(t, "titrate", "hcl_naoh", "--add", "25", "--json")
	if err != nil {
		t.Fatalf("titrate: %v", err)
	}
	var got struct {
		Titration domain.TitrationResult `json:"titration"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	out, err = run(t, "export")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "2 written, 0 skipped") {
		t.Errorf("unexpected export summary:\n%s", out)
	}
	report := filepath.Join(dir, "artifacts", "reports", "titration", got.Titration.InstanceID+".json")
	if _, err := os.Stat(report); err != nil {
		t.Fatalf("expected report at %s: %v", report, err)
	}

	out, err = run(t, "export")
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if !strings.Contains(out, "0 written, 2 skipped") {
		t.Errorf("expected reports to be skipped:\n%s", out)
	}
}

func TestServeMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "chemlab_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(newServeMux(eventstream.NewHub(nil), reg))
	defer srv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, body := get("/healthz"); code != http.StatusOK || body != "ok\n" {
		t.Errorf("/healthz = %d %q", code, body)
	}
	if code, body := get("/metrics"); code != http.StatusOK || !strings.Contains(body, "chemlab_test_total 1") {
		t.Errorf("/metrics = %d %q", code, body)
	}
	if code, body := get("/debug/vars"); code != http.StatusOK || !strings.Contains(body, "memstats") {
		t.Errorf("/debug/vars = %d", code)
	}
	if code, _ := get("/events"); code != http.StatusBadRequest {
		t.Errorf("/events without upgrade = %d, want 400", code)
	}
}

func TestLabServerExportsCompletedTitration(t *testing.T) {
	isolateEnv(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Simulation.TickInterval = 10 * time.Millisecond
	repo, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	a := &app{cfg: cfg, logger: logging.NewLogger("error", "text", io.Discard), catalog: repo}

	ctx, cancel := context.WithCancel(context.Background())
	ls, err := newLabServer(ctx, a, "")
	if err != nil {
		cancel()
		t.Fatalf("newLabServer: %v", err)
	}
	errCh := make(chan error, 1)
	ls.start(ctx, errCh)
	srv := httptest.NewServer(ls.handler)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		ls.shutdown(stopCtx)
		ls.close()
	})

	call := func(method, path string, body any) (int, []byte) {
		t.Helper()
		var rdr io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			rdr = bytes.NewReader(raw)
		}
		req, err := http.NewRequest(method, srv.URL+path, rdr)
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

	code, body := call(http.MethodPost, "/api/titrations", labapi.CreateTitrationRequest{TitrationID: "hcl_naoh"})
	if code != http.StatusCreated {
		t.Fatalf("create titration = %d %s", code, body)
	}
	var ti domain.TitrationInstance
	if err := json.Unmarshal(body, &ti); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if code, body := call(http.MethodPost, "/api/titrations/"+ti.ID+"/start", nil); code != http.StatusOK {
		t.Fatalf("start = %d %s", code, body)
	}
	for _, v := range []float64{10, 14.9, 0.1} {
		if code, body := call(http.MethodPost, "/api/titrations/"+ti.ID+"/titrant", labapi.AddTitrantRequest{Volume: v}); code != http.StatusOK {
			t.Fatalf("titrant %v = %d %s", v, code, body)
		}
	}
	if code, body := call(http.MethodPost, "/api/titrations/"+ti.ID+"/complete", nil); code != http.StatusOK {
		t.Fatalf("complete = %d %s", code, body)
	}

	// The tick loop advances a started reaction without any further requests.
	temp := 40.0
	code, body = call(http.MethodPost, "/api/reactions", labapi.CreateReactionRequest{ReactionID: "neutralization", Temperature: &temp})
	if code != http.StatusCreated {
		t.Fatalf("create reaction = %d %s", code, body)
	}
	var rx domain.ReactionInstance
	if err := json.Unmarshal(body, &rx); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if code, body := call(http.MethodPost, "/api/reactions/"+rx.ID+"/start", nil); code != http.StatusOK {
		t.Fatalf("start reaction = %d %s", code, body)
	}

	want := map[string]bool{
		"reports/titration/" + ti.ID + ".json": false,
		"reports/titration/" + ti.ID + ".csv":  false,
	}
	progressed := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := call(http.MethodGet, "/api/reports?prefix=reports/titration/", nil)
		var infos []struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(body, &infos); err != nil {
			t.Fatalf("decode reports: %v (%s)", err, body)
		}
		for _, info := range infos {
			if _, ok := want[info.Key]; ok {
				want[info.Key] = true
			}
		}
		_, body = call(http.MethodGet, "/api/reactions/"+rx.ID, nil)
		var cur domain.ReactionInstance
		if err := json.Unmarshal(body, &cur); err == nil && cur.Progress > 0 {
			progressed = true
		}
		if want["reports/titration/"+ti.ID+".json"] && want["reports/titration/"+ti.ID+".csv"] && progressed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	for key, found := range want {
		if !found {
			t.Errorf("report %s was not exported", key)
		}
	}
	if !progressed {
		t.Error("reaction did not advance under the tick loop")
	}

	code, body = call(http.MethodGet, "/api/reports/reports/titration/"+ti.ID+".json", nil)
	if code != http.StatusOK {
		t.Fatalf("get report = %d %s", code, body)
	}
	var exported domain.TitrationResult
	if err := json.Unmarshal(body, &exported); err != nil {
		t.Fatalf("decode exported report: %v", err)
	}
	if exported.InstanceID != ti.ID || exported.Grade != domain.GradeA {
		t.Errorf("exported report = %s/%s, want %s/%s", exported.InstanceID, exported.Grade, ti.ID, domain.GradeA)
	}

	select {
	case err := <-errCh:
		t.Fatalf("server loop failed: %v", err)
	default:
	}
}

package mockbackend

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/sheetjobs/iox"
	"github.com/pithecene-io/sheetjobs/stream"
	"github.com/pithecene-io/sheetjobs/types"
)

func fastScript() *Script {
	return &Script{Steps: []string{"uno", "dos"}, Interval: 5 * time.Millisecond, Message: "listo"}
}

func newTestServer(t *testing.T, script *Script) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(Config{Script: script})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, ts
}

func upload(t *testing.T, url string, files map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, name := range files {
		part, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(part, "content")
	}
	_ = mw.Close()
	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	defer iox.DiscardClose(resp.Body)
	out := map[string]string{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func readFrames(t *testing.T, url string) []types.Frame {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer iox.DiscardClose(resp.Body)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	r := stream.NewMessageReader(resp.Body)
	var frames []types.Frame
	for {
		m, err := r.ReadMessage()
		if err != nil {
			return frames
		}
		if f, ok := stream.DecodeFrame(m); ok {
			frames = append(frames, f)
		}
	}
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/ip/api/health")
	if err != nil {
		t.Fatal(err)
	}
	if got := decode(t, resp)["status"]; got != "ok" {
		t.Errorf("status = %q", got)
	}
}

func TestServer_ValidateToken(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	resp := upload(t, ts.URL+"/ip/api/obtener-feedback/validate-file", map[string]string{"file": "f.xlsx"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["token"] == "" {
		t.Errorf("no token in %v", body)
	}
	if srv.Tokens() != 1 {
		t.Errorf("tokens = %d", srv.Tokens())
	}

	resp = post(t, ts.URL+"/ip/api/obtener-feedback/discard?token="+body["token"])
	if got := decode(t, resp)["message"]; got != "Archivo descartado" {
		t.Errorf("discard message = %q", got)
	}
	if srv.Tokens() != 0 {
		t.Errorf("tokens after discard = %d", srv.Tokens())
	}
}

func TestServer_ValidateRejections(t *testing.T) {
	_, ts := newTestServer(t, nil)
	tests := []struct {
		name   string
		url    string
		files  map[string]string
		detail string
	}{
		{"wrong extension", "/ip/api/obtener-feedback/validate-file", map[string]string{"file": "f.csv"}, "El archivo debe ser .xlsx"},
		{"bad index", "/ip/api/imputaciones-ip/validate-file?index=7", map[string]string{"file": "f.xlsx"}, "Índice de archivo no válido"},
		{"missing file", "/ip/api/agregar-imputaciones/validate-file", map[string]string{"other": "f.xlsx"}, "Se requiere un archivo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := upload(t, ts.URL+tt.url, tt.files)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d", resp.StatusCode)
			}
			if got := decode(t, resp)["detail"]; got != tt.detail {
				t.Errorf("detail = %q, want %q", got, tt.detail)
			}
		})
	}
}

func TestServer_NoValidateRouteForUnvalidatedFeature(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp := upload(t, ts.URL+"/ip/api/obtencion-cnc/validate-file", map[string]string{"file": "f.xlsx"})
	defer iox.DiscardClose(resp.Body)
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestServer_StartUnknownToken(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp := post(t, ts.URL+"/ip/api/agregar-imputaciones/start?token=nope")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := decode(t, resp)["detail"]; !strings.Contains(got, "Token no encontrado") {
		t.Errorf("detail = %q", got)
	}
}

func TestServer_StartMissingArtifacts(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp := upload(t, ts.URL+"/ip/api/imputaciones-ip/start", map[string]string{"file1": "a.xlsx", "file2": "b.xlsx"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := decode(t, resp)["detail"]; got != "field required: file3" {
		t.Errorf("detail = %q", got)
	}
}

func TestServer_ScriptedRun(t *testing.T) {
	_, ts := newTestServer(t, fastScript())
	id := decode(t, post(t, ts.URL+"/ip/api/generar-imputaciones-sap/start"))["process_id"]
	if id == "" {
		t.Fatal("no process id")
	}

	frames := readFrames(t, ts.URL+"/ip/api/generar-imputaciones-sap/events/"+id)
	want := []types.Frame{types.Progress("uno"), types.Progress("dos"), types.Completed("listo")}
	if len(frames) != len(want) {
		t.Fatalf("frames = %+v", frames)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frame %d = %+v, want %+v", i, frames[i], want[i])
		}
	}

	resp, err := http.Get(ts.URL + "/ip/api/generar-imputaciones-sap/download/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer iox.DiscardClose(resp.Body)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "process="+id) {
		t.Errorf("download body = %q", body)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("content disposition = %q", cd)
	}
}

func TestServer_DownloadBeforeCompletion(t *testing.T) {
	_, ts := newTestServer(t, &Script{Steps: []string{"x"}, Interval: time.Hour})
	id := decode(t, post(t, ts.URL+"/ip/api/generar-imputaciones-sap/start"))["process_id"]

	resp, err := http.Get(ts.URL + "/ip/api/generar-imputaciones-sap/download/" + id)
	if err != nil {
		t.Fatal(err)
	}
	if got := decode(t, resp)["error"]; got != "No está completado (status = in-progress)" {
		t.Errorf("error = %q", got)
	}
}

func TestServer_CancelEmitsCancelledFrame(t *testing.T) {
	_, ts := newTestServer(t, &Script{Steps: []string{"x"}, Interval: time.Hour})
	id := decode(t, post(t, ts.URL+"/ip/api/generar-imputaciones-sap/start"))["process_id"]

	if got := decode(t, post(t, ts.URL+"/ip/api/generar-imputaciones-sap/cancel/"+id))["message"]; got != "Proceso cancelado" {
		t.Errorf("cancel message = %q", got)
	}
	frames := readFrames(t, ts.URL+"/ip/api/generar-imputaciones-sap/events/"+id)
	if len(frames) != 1 || frames[0] != types.Cancelled(DefaultCancelledText) {
		t.Errorf("frames = %+v", frames)
	}

	if got := decode(t, post(t, ts.URL+"/ip/api/generar-imputaciones-sap/cancel/unknown"))["message"]; got != "Proceso no encontrado" {
		t.Errorf("unknown cancel message = %q", got)
	}
}

func TestServer_FailScript(t *testing.T) {
	_, ts := newTestServer(t, &Script{Interval: time.Millisecond, Fail: "Fila 3 incompleta"})
	id := decode(t, post(t, ts.URL+"/ip/api/generar-imputaciones-sap/start"))["process_id"]
	frames := readFrames(t, ts.URL+"/ip/api/generar-imputaciones-sap/events/"+id)
	if len(frames) != 1 || frames[0] != types.Failed("Fila 3 incompleta") {
		t.Errorf("frames = %+v", frames)
	}
}

func TestServer_DropAfter(t *testing.T) {
	_, ts := newTestServer(t, &Script{Steps: []string{"a", "b", "c"}, Interval: time.Millisecond, DropAfter: 1})
	id := decode(t, post(t, ts.URL+"/ip/api/generar-imputaciones-sap/start"))["process_id"]
	frames := readFrames(t, ts.URL+"/ip/api/generar-imputaciones-sap/events/"+id)
	if len(frames) != 1 || frames[0] != types.Progress("a") {
		t.Errorf("frames = %+v", frames)
	}
}

func TestServer_KeepAliveComments(t *testing.T) {
	srv, err := New(Config{
		Script:    &Script{Steps: []string{"x"}, Interval: 50 * time.Millisecond, Message: "listo"},
		KeepAlive: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Close() })

	id := decode(t, post(t, ts.URL+"/ip/api/generar-imputaciones-sap/start"))["process_id"]
	resp, err := http.Get(ts.URL + "/ip/api/generar-imputaciones-sap/events/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer iox.DiscardClose(resp.Body)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if !strings.Contains(string(body), ": keep-alive\n\n") {
		t.Errorf("no keep-alive comment in %q", body)
	}

	r := stream.NewMessageReader(bytes.NewReader(body))
	var frames []types.Frame
	for {
		m, err := r.ReadMessage()
		if err != nil {
			break
		}
		if f, ok := stream.DecodeFrame(m); ok {
			frames = append(frames, f)
		}
	}
	want := []types.Frame{types.Progress("x"), types.Completed("listo")}
	if len(frames) != len(want) || frames[0] != want[0] || frames[1] != want[1] {
		t.Errorf("frames = %+v, want %+v", frames, want)
	}
}

func TestServer_EventsUnknownProcess(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/ip/api/obtencion-cnc/events/nope")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := decode(t, resp)["detail"]; got != "Process ID no encontrado" {
		t.Errorf("detail = %q", got)
	}
}

func TestServer_TokenReleasedAfterJob(t *testing.T) {
	srv, ts := newTestServer(t, fastScript())
	token := decode(t, upload(t, ts.URL+"/ip/api/cargar-respuesta-sap/validate-file", map[string]string{"file": "r.xlsx"}))["token"]
	id := decode(t, post(t, ts.URL+"/ip/api/cargar-respuesta-sap/start?token="+token))["process_id"]
	_ = readFrames(t, ts.URL+"/ip/api/cargar-respuesta-sap/events/"+id)
	_ = srv.Close()
	if srv.Tokens() != 0 {
		t.Errorf("tokens = %d after job finished", srv.Tokens())
	}
}

package backend

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pithecene-io/sheetjobs/iox"
	"github.com/pithecene-io/sheetjobs/runtime"
	"github.com/pithecene-io/sheetjobs/stream"
	"github.com/pithecene-io/sheetjobs/types"
)

func feature(t *testing.T, name string) types.Feature {
	t.Helper()
	f, ok := types.LookupFeature(types.BuiltinFeatures(), name)
	if !ok {
		t.Fatalf("unknown feature %s", name)
	}
	return f
}

func newClient(t *testing.T, url, name string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: url + "/ip/api", Feature: feature(t, name)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_Errors(t *testing.T) {
	f := types.BuiltinFeatures()[0]
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty url", Config{Feature: f}},
		{"bad scheme", Config{BaseURL: "ftp://x", Feature: f}},
		{"invalid feature", Config{BaseURL: "http://x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidate_TokenFeature(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/ip/api/agregar-imputaciones/validate-file" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Has("index") {
			t.Error("index sent for a non-indexed feature")
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer iox.DiscardClose(f)
		body, _ := io.ReadAll(f)
		if hdr.Filename != "horas.xlsx" || string(body) != "sheet" {
			t.Errorf("got file %q = %q", hdr.Filename, body)
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Archivo válido", "token": "tok-1"})
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, "agregar-imputaciones")
	res, err := c.Validate(t.Context(), 0, types.NewBytesArtifact("horas.xlsx", []byte("sheet")))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Token != "tok-1" || res.Message != "Archivo válido" {
		t.Errorf("result = %+v", res)
	}
}

func TestValidate_IndexedFeature(t *testing.T) {
	var index string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		index = r.URL.Query().Get("index")
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, "imputaciones-ip")
	res, err := c.Validate(t.Context(), 2, types.NewBytesArtifact("d.xlsx", nil))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if index != "2" {
		t.Errorf("index = %q, want 2", index)
	}
	if res.Token != "" {
		t.Errorf("token = %q, want none", res.Token)
	}
}

func TestValidate_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{"string detail", `{"detail":"Falta la columna Proyecto"}`, "Falta la columna Proyecto"},
		{"list detail", `{"detail":[{"msg":"field required"},{"msg":"bad index"}]}`, "field required; bad index"},
		{"plain body", `nope`, "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer ts.Close()

			c := newClient(t, ts.URL, "agregar-imputaciones")
			_, err := c.Validate(t.Context(), 0, types.NewBytesArtifact("a.xlsx", nil))
			if !runtime.IsValidationError(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
			if !strings.HasSuffix(err.Error(), tt.detail) {
				t.Errorf("err = %q, want detail %q", err, tt.detail)
			}
		})
	}
}

func TestValidate_ServerErrorIsTransport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, "agregar-imputaciones")
	_, err := c.Validate(t.Context(), 0, types.NewBytesArtifact("a.xlsx", nil))
	if !runtime.IsTransportError(err) {
		t.Fatalf("err = %v, want transport error", err)
	}
}

func TestStart_Variants(t *testing.T) {
	tests := []struct {
		name    string
		feature string
		req     runtime.StartRequest
		check   func(t *testing.T, r *http.Request)
	}{
		{
			name:    "token",
			feature: "obtener-feedback",
			req:     runtime.StartRequest{Token: "tok"},
			check: func(t *testing.T, r *http.Request) {
				if got := r.URL.Query().Get("token"); got != "tok" {
					t.Errorf("token = %q", got)
				}
			},
		},
		{
			name:    "single artifact",
			feature: "obtencion-cnc",
			req:     runtime.StartRequest{Artifacts: []types.Artifact{types.NewBytesArtifact("avisos.xlsx", []byte("x"))}},
			check: func(t *testing.T, r *http.Request) {
				if _, h, err := r.FormFile("file"); err != nil || h.Filename != "avisos.xlsx" {
					t.Errorf("file part: %v", err)
				}
			},
		},
		{
			name:    "four artifacts",
			feature: "imputaciones-ip",
			req: runtime.StartRequest{Artifacts: []types.Artifact{
				types.NewBytesArtifact("1.xlsx", nil), types.NewBytesArtifact("2.xlsx", nil),
				types.NewBytesArtifact("3.xlsx", nil), types.NewBytesArtifact("4.xlsx", nil),
			}},
			check: func(t *testing.T, r *http.Request) {
				for i, want := range []string{"1.xlsx", "2.xlsx", "3.xlsx", "4.xlsx"} {
					field := "file" + string(rune('1'+i))
					if _, h, err := r.FormFile(field); err != nil || h.Filename != want {
						t.Errorf("%s: %v", field, err)
					}
				}
			},
		},
		{
			name:    "empty",
			feature: "generar-imputaciones-sap",
			check: func(t *testing.T, r *http.Request) {
				if r.ContentLength > 0 || len(r.URL.RawQuery) > 0 {
					t.Errorf("expected empty request, got length %d query %q", r.ContentLength, r.URL.RawQuery)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/ip/api/"+tt.feature+"/start" {
					t.Errorf("path = %s", r.URL.Path)
				}
				tt.check(t, r)
				writeJSON(w, http.StatusOK, map[string]string{"process_id": "p-1"})
			}))
			defer ts.Close()

			id, err := newClient(t, ts.URL, tt.feature).Start(t.Context(), tt.req)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if id != "p-1" {
				t.Errorf("id = %q", id)
			}
		})
	}
}

func TestStart_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"token not found", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Token no encontrado"})
		}},
		{"missing process id", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{})
		}},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "{")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()
			_, err := newClient(t, ts.URL, "obtener-feedback").Start(t.Context(), runtime.StartRequest{Token: "x"})
			if !runtime.IsTransportError(err) {
				t.Errorf("err = %v, want transport error", err)
			}
		})
	}
}

func TestSubscribe_StreamsFrames(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ip/api/obtencion-cnc/events/p-9" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message\ndata: 50%\n\nevent: completed\ndata: listo\n\n")
	}))
	defer ts.Close()

	body, err := newClient(t, ts.URL, "obtencion-cnc").Subscribe(t.Context(), "p-9")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer iox.DiscardClose(body)

	r := stream.NewMessageReader(body)
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
	want := []types.Frame{types.Progress("50%"), types.Completed("listo")}
	if len(frames) != 2 || frames[0] != want[0] || frames[1] != want[1] {
		t.Errorf("frames = %+v, want %+v", frames, want)
	}
}

func TestSubscribe_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	if _, err := newClient(t, ts.URL, "obtencion-cnc").Subscribe(t.Context(), "p"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestCancelAndDiscard(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.RequestURI())
		writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, "cargar-respuesta-sap")
	if err := c.Cancel(t.Context(), "p-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := c.Discard(t.Context(), "tok 1"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	want := []string{
		"POST /ip/api/cargar-respuesta-sap/cancel/p-1",
		"POST /ip/api/cargar-respuesta-sap/discard?token=tok+1",
	}
	if strings.Join(paths, "|") != strings.Join(want, "|") {
		t.Errorf("requests = %v, want %v", paths, want)
	}
}

func TestCancel_Failure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()
	if err := newClient(t, ts.URL, "obtencion-cnc").Cancel(t.Context(), "p"); !runtime.IsTransportError(err) {
		t.Errorf("err = %v", err)
	}
}

func TestResultHandle(t *testing.T) {
	c := newClient(t, "http://h", "obtener-feedback")
	if got := c.ResultHandle("p-1"); got != "http://h/ip/api/obtener-feedback/result/p-1" {
		t.Errorf("handle = %q", got)
	}
	c = newClient(t, "http://h", "imputaciones-ip")
	if got := c.ResultHandle("p-1"); got != "http://h/ip/api/imputaciones-ip/download/p-1" {
		t.Errorf("handle = %q", got)
	}
	c = newClient(t, "http://h", "agregar-imputaciones")
	if got := c.ResultHandle("p-1"); got != "" {
		t.Errorf("handle = %q, want empty", got)
	}
}

func TestDownload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ip/api/obtencion-cnc/download/done":
			w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
			_, _ = io.WriteString(w, "PK-bytes")
		case "/ip/api/obtencion-cnc/download/pending":
			writeJSON(w, http.StatusOK, map[string]string{"error": "No está completado (status = in-progress)"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, "obtencion-cnc")
	var buf bytes.Buffer
	n, err := c.Download(t.Context(), c.ResultHandle("done"), &buf)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != 8 || buf.String() != "PK-bytes" {
		t.Errorf("got %d %q", n, buf.String())
	}

	_, err = c.Download(t.Context(), c.ResultHandle("pending"), &bytes.Buffer{})
	if !runtime.IsTransportError(err) || !strings.Contains(err.Error(), "No está completado") {
		t.Errorf("pending err = %v", err)
	}
	_, err = c.Download(t.Context(), c.ResultHandle("missing"), &bytes.Buffer{})
	if !runtime.IsTransportError(err) {
		t.Errorf("missing err = %v", err)
	}
}

func TestHeadersSent(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]string{})
	}))
	defer ts.Close()

	c, err := New(Config{
		BaseURL: ts.URL,
		Feature: feature(t, "obtencion-cnc"),
		Headers: map[string]string{"Authorization": "Bearer x"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = c.Cancel(t.Context(), "p")
	if got != "Bearer x" {
		t.Errorf("authorization = %q", got)
	}
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plantproc/client-module/internal/apierrors"
	"github.com/plantproc/client-module/internal/download"
	"github.com/plantproc/client-module/internal/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testGateway(t *testing.T, baseURL string) *gateway.Client {
	t.Helper()
	gw, err := gateway.New(baseURL, "", 5*time.Second, func(ctx context.Context) (string, error) {
		return "test-token", nil
	}, testLogger())
	if err != nil {
		t.Fatalf("gateway.New вернул ошибку: %v", err)
	}
	return gw
}

func testManager(t *testing.T) *download.Manager {
	t.Helper()
	m, err := download.NewManager(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("download.NewManager вернул ошибку: %v", err)
	}
	return m
}

func xlsxFile(name, content string) SelectedFile {
	return SelectedFile{Name: name, Size: int64(len(content)), Reader: strings.NewReader(content)}
}

// uploadResponse — типовой ответ POST /upload-process.
func uploadResponse(id string) map[string]any {
	return map[string]any{
		"id":                 id,
		"filename":           "processed_plan.xlsx",
		"original_filename":  "plan.xlsx",
		"processed_filename": "processed_plan.xlsx",
		"rows_processed":     57,
		"created_at":         "2026-08-29T10:00:00Z",
		"status":             "completed",
	}
}

func TestRun_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload-process", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("сервер не смог разобрать multipart: %v", err)
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("поле file отсутствует: %v", err)
		}
		defer f.Close()
		if header.Filename != "plan.xlsx" {
			t.Errorf("имя файла = %q, ожидается plan.xlsx", header.Filename)
		}
		_ = json.NewEncoder(w).Encode(uploadResponse("proc-1"))
	})
	mux.HandleFunc("/download/proc-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		_, _ = w.Write([]byte("xlsx-bytes"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	completions := 0
	o := New(testGateway(t, srv.URL), testManager(t), 0, testLogger(), func() { completions++ })

	result, path, err := o.Run(context.Background(), xlsxFile("plan.xlsx", "data"))
	if err != nil {
		t.Fatalf("Run вернул ошибку: %v", err)
	}
	if result.ID != "proc-1" || result.RowsProcessed != 57 {
		t.Errorf("неожиданный результат: %+v", result)
	}
	if o.State() != StateCompleted {
		t.Errorf("этап = %s, ожидается completed", o.State())
	}
	if completions != 1 {
		t.Errorf("onComplete вызван %d раз, ожидается 1", completions)
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatalf("артефакт не сохранён: %v", readErr)
	}
	if string(data) != "xlsx-bytes" {
		t.Errorf("содержимое артефакта = %q", data)
	}
}

func TestRun_ValidationBeforeNetwork(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))
	t.Cleanup(srv.Close)

	o := New(testGateway(t, srv.URL), testManager(t), 0, testLogger(), nil)

	cases := []struct {
		name string
		file SelectedFile
	}{
		{"не выбран", SelectedFile{}},
		{"неверное расширение", xlsxFile("данные.csv", "a,b,c")},
		{"слишком большой", SelectedFile{Name: "big.xlsx", Size: DefaultMaxUploadSize + 1, Reader: strings.NewReader("x")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := o.Run(context.Background(), tc.file)
			if !apierrors.IsValidation(err) {
				t.Errorf("ожидается ValidationError, получено: %v", err)
			}
			if o.State() != StateIdle {
				t.Errorf("этап = %s, при отклонённом файле должен остаться idle", o.State())
			}
		})
	}

	if n := atomic.LoadInt32(&requests); n != 0 {
		t.Errorf("сервер получил %d запросов, валидация должна выполняться локально", n)
	}
}

func TestRun_UploadExtensionCaseInsensitive(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload-process", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(uploadResponse("proc-2"))
	})
	mux.HandleFunc("/download/proc-2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	o := New(testGateway(t, srv.URL), testManager(t), 0, testLogger(), nil)
	if _, _, err := o.Run(context.Background(), xlsxFile("PLAN.XLSX", "data")); err != nil {
		t.Errorf("файл с расширением в верхнем регистре должен приниматься: %v", err)
	}
}

func TestRun_ServerErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Файл повреждён"})
	}))
	t.Cleanup(srv.Close)

	o := New(testGateway(t, srv.URL), testManager(t), 0, testLogger(), nil)
	_, _, err := o.Run(context.Background(), xlsxFile("plan.xlsx", "data"))
	if err == nil {
		t.Fatal("ожидалась ошибка, получен nil")
	}
	if err.Error() != "Файл повреждён" {
		t.Errorf("сообщение = %q, ожидается detail сервера дословно", err.Error())
	}
	if o.State() != StateFailed {
		t.Errorf("этап = %s, ожидается failed", o.State())
	}

	// Новый цикл разрешён из failed
	if got := o.Validate(xlsxFile("plan.xlsx", "data")); got != nil {
		t.Errorf("Validate после failed вернул ошибку: %v", got)
	}
}

func TestRun_PartialSuccessOnDownloadFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload-process", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(uploadResponse("proc-3"))
	})
	mux.HandleFunc("/download/proc-3", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Файл не найден"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	completions := 0
	o := New(testGateway(t, srv.URL), testManager(t), 0, testLogger(), func() { completions++ })

	result, path, err := o.Run(context.Background(), xlsxFile("plan.xlsx", "data"))
	if !apierrors.IsPartialSuccess(err) {
		t.Fatalf("ожидается PartialSuccessError, получено: %v", err)
	}
	if result == nil || result.ID != "proc-3" {
		t.Errorf("при частичном успехе результат должен сохраниться: %+v", result)
	}
	if path != "" {
		t.Errorf("путь артефакта = %q, при ошибке скачивания ожидается пустой", path)
	}
	if o.State() != StateCompleted {
		t.Errorf("этап = %s, частичный успех завершается в completed", o.State())
	}
	if completions != 1 {
		t.Errorf("onComplete вызван %d раз, ожидается 1", completions)
	}
}

func TestRun_BusyWhileRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/upload-process", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		_ = json.NewEncoder(w).Encode(uploadResponse("proc-4"))
	})
	mux.HandleFunc("/download/proc-4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	o := New(testGateway(t, srv.URL), testManager(t), 0, testLogger(), nil)

	done := make(chan error, 1)
	go func() {
		_, _, err := o.Run(context.Background(), xlsxFile("plan.xlsx", "data"))
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("первый цикл не дошёл до сервера")
	}

	_, _, err := o.Run(context.Background(), xlsxFile("other.xlsx", "data"))
	if !errors.Is(err, ErrBusy) {
		t.Errorf("ожидается ErrBusy, получено: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("первый цикл вернул ошибку: %v", err)
	}
	if o.State() != StateCompleted {
		t.Errorf("этап = %s, ожидается completed", o.State())
	}
}

func TestTransitions_Matrix(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateUploading, true},
		{StateIdle, StateCompleted, false},
		{StateUploading, StateAwaitingArtifact, true},
		{StateUploading, StateFailed, true},
		{StateAwaitingArtifact, StateDownloading, true},
		{StateDownloading, StateCompleted, true},
		{StateDownloading, StateFailed, true},
		{StateCompleted, StateUploading, true},
		{StateFailed, StateUploading, true},
		{StateFailed, StateCompleted, false},
	}
	for _, tc := range cases {
		allowed := validTransitions[tc.from][tc.to]
		if allowed != tc.want {
			t.Errorf("переход %s → %s: допустим=%v, ожидается %v", tc.from, tc.to, allowed, tc.want)
		}
	}
}

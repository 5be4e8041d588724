package procmock

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/plantproc/client-module/internal/apierrors"
	"github.com/plantproc/client-module/internal/download"
	"github.com/plantproc/client-module/internal/gateway"
	"github.com/plantproc/client-module/internal/history"
	"github.com/plantproc/client-module/internal/orchestrator"
	"github.com/plantproc/client-module/internal/session"
)

// Сквозной сценарий: аутентификация, полный цикл обработки,
// обновление истории, скачивание артефакта из истории.
func TestEndToEnd_FullCycle(t *testing.T) {
	mock := NewServer(Config{Username: "admin", Password: "secret"}, testLogger())
	srv := httptest.NewServer(mock.Router())
	t.Cleanup(srv.Close)

	logger := testLogger()
	tokenFile := filepath.Join(t.TempDir(), "token")

	store := session.NewStore(srv.URL, tokenFile, nil, logger)
	sess, err := store.Login(context.Background(), "admin", "secret")
	if err != nil {
		t.Fatalf("Login вернул ошибку: %v", err)
	}
	if sess.Subject != "admin" {
		t.Errorf("Subject = %q, ожидается admin", sess.Subject)
	}

	gw, err := gateway.New(srv.URL, "", 5*time.Second, store.TokenProvider(), logger)
	if err != nil {
		t.Fatalf("gateway.New вернул ошибку: %v", err)
	}

	q := history.New(gw, 10, 16, time.Minute, logger)
	refreshed := 0
	dm, err := download.NewManager(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("download.NewManager вернул ошибку: %v", err)
	}
	o := orchestrator.New(gw, dm, 0, logger, func() { refreshed++ })

	// Полный цикл обработки
	file := orchestrator.SelectedFile{
		Name:   "план.xlsx",
		Size:   11,
		Reader: strings.NewReader("данные\nещё"),
	}
	result, path, err := o.Run(context.Background(), file)
	if err != nil {
		t.Fatalf("Run вернул ошибку: %v", err)
	}
	if result.RowsProcessed != 2 {
		t.Errorf("rows_processed = %d, ожидается 2", result.RowsProcessed)
	}
	if o.State() != orchestrator.StateCompleted {
		t.Errorf("этап = %s, ожидается completed", o.State())
	}
	if refreshed != 1 {
		t.Errorf("колбэк завершения вызван %d раз, ожидается 1", refreshed)
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatalf("артефакт не сохранён: %v", readErr)
	}
	if !strings.HasPrefix(string(data), "PROCESSED\n") {
		t.Errorf("содержимое артефакта: %q", data)
	}

	// Обработанный файл виден в истории
	page, err := q.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh вернул ошибку: %v", err)
	}
	if page.TotalItems != 1 || page.Items[0].ID != result.ID {
		t.Fatalf("история: %+v, ожидается одна запись %s", page, result.ID)
	}

	// Скачивание из истории по имени из кэша записей
	name := q.ArtifactFilename(result.ID)
	if name != "processed_план.xlsx" {
		t.Errorf("имя артефакта = %q", name)
	}
	resp, err := gw.Download(context.Background(), "/download/"+result.ID)
	if err != nil {
		t.Fatalf("Download вернул ошибку: %v", err)
	}
	resp.Body.Close()
}

// Запрос без токена отклоняется сервером, клиент получает ServerError 401.
func TestEndToEnd_UnauthenticatedRejected(t *testing.T) {
	mock := NewServer(Config{}, testLogger())
	srv := httptest.NewServer(mock.Router())
	t.Cleanup(srv.Close)

	gw, err := gateway.New(srv.URL, "", 5*time.Second, func(ctx context.Context) (string, error) {
		return "", nil
	}, testLogger())
	if err != nil {
		t.Fatalf("gateway.New вернул ошибку: %v", err)
	}

	q := history.New(gw, 10, 16, time.Minute, testLogger())
	_, err = q.Refresh(context.Background())
	if err == nil {
		t.Fatal("ожидалась ошибка 401, получен nil")
	}
	if apierrors.IsAuth(err) || apierrors.IsTransport(err) {
		t.Errorf("ожидается ServerError, получено: %v", err)
	}
}

// Сессия, восстановленная из файла, работает для запросов к серверу.
func TestEndToEnd_RestoredSession(t *testing.T) {
	mock := NewServer(Config{Username: "admin", Password: "secret"}, testLogger())
	srv := httptest.NewServer(mock.Router())
	t.Cleanup(srv.Close)

	logger := testLogger()
	tokenFile := filepath.Join(t.TempDir(), "token")

	first := session.NewStore(srv.URL, tokenFile, nil, logger)
	if _, err := first.Login(context.Background(), "admin", "secret"); err != nil {
		t.Fatalf("Login вернул ошибку: %v", err)
	}

	// Новый Store читает токен из того же файла
	second := session.NewStore(srv.URL, tokenFile, nil, logger)
	sess := second.Restore()
	if sess == nil {
		t.Fatal("Restore должен вернуть сохранённую сессию")
	}

	gw, err := gateway.New(srv.URL, "", 5*time.Second, second.TokenProvider(), logger)
	if err != nil {
		t.Fatalf("gateway.New вернул ошибку: %v", err)
	}
	q := history.New(gw, 10, 16, time.Minute, logger)
	if _, err := q.Refresh(context.Background()); err != nil {
		t.Errorf("запрос с восстановленным токеном вернул ошибку: %v", err)
	}
}
